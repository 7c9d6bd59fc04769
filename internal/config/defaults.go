package config

import (
	"fmt"
	"os"
	"time"
)

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
			ReadLimit:   1 << 20, // 1 MiB per websocket message
			IdleTimeout: 5 * time.Minute,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			BitsPerSample: 16,
		},
		Batch: BatchConfig{
			Interval:       3 * time.Second,
			Model:          "gpt-4o-audio-preview",
			Sentinel:       "[inaudible]",
			RequestTimeout: 30 * time.Second,
		},
		Streaming: StreamingConfig{
			BaseURL:  "wss://api.openai.com",
			Path:     "/v1/realtime",
			Model:    "gpt-4o-realtime-preview",
			Language: "",
		},
	}
}

// applyDefaults fills in zero values left out of an existing config file.
func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = d.Server.ListenAddr
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = d.Server.ReadLimit
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = d.Server.IdleTimeout
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = d.Audio.Channels
	}
	if c.Audio.BitsPerSample == 0 {
		c.Audio.BitsPerSample = d.Audio.BitsPerSample
	}
	if c.Batch.Interval == 0 {
		c.Batch.Interval = d.Batch.Interval
	}
	if c.Batch.Model == "" {
		c.Batch.Model = d.Batch.Model
	}
	if c.Batch.Sentinel == "" {
		c.Batch.Sentinel = d.Batch.Sentinel
	}
	if c.Batch.RequestTimeout == 0 {
		c.Batch.RequestTimeout = d.Batch.RequestTimeout
	}
	if c.Streaming.BaseURL == "" {
		c.Streaming.BaseURL = d.Streaming.BaseURL
	}
	if c.Streaming.Path == "" {
		c.Streaming.Path = d.Streaming.Path
	}
	if c.Streaming.Model == "" {
		c.Streaming.Model = d.Streaming.Model
	}
}

func SaveDefaultConfig() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	configContent := `# Voxrelay Configuration
# This file is automatically generated with defaults.
# Edit values as needed - changes apply to new connections without a restart.

# Client-facing server
[server]
  listen_addr = ":8080"        # WebSocket/HTTP listen address
  metrics_addr = ":9090"       # Prometheus metrics listener (empty to disable)
  read_limit = 1048576         # Max inbound websocket message size in bytes
  idle_timeout = "5m"          # Drop connections idle longer than this

# Inbound audio format (what the browser client sends)
[audio]
  sample_rate = 16000          # Sample rate in Hz
  channels = 1                 # 1 = mono
  bits_per_sample = 16         # 16-bit signed little-endian PCM

# Windowed batch transcription (the "corrected" path)
[batch]
  interval = "3s"              # How often accumulated audio is drained and submitted
  model = "gpt-4o-audio-preview"
  sentinel = "[inaudible]"     # Marker the model returns for unintelligible audio
  request_timeout = "30s"

# Streaming transcription session (the "realtime" path)
[streaming]
  base_url = "wss://api.openai.com"
  path = "/v1/realtime"
  model = "gpt-4o-realtime-preview"
  language = ""                # Empty for auto-detect

# Provider credentials
[providers.openai]
  api_key = ""                 # Or set the OPENAI_API_KEY environment variable
`

	if _, err := file.WriteString(configContent); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	return nil
}
