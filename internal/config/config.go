package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Audio     AudioConfig     `toml:"audio"`
	Batch     BatchConfig     `toml:"batch"`
	Streaming StreamingConfig `toml:"streaming"`
	Providers ProvidersConfig `toml:"providers"`
}

type ServerConfig struct {
	ListenAddr  string        `toml:"listen_addr"`
	MetricsAddr string        `toml:"metrics_addr"` // empty disables the metrics listener
	ReadLimit   int64         `toml:"read_limit"`   // max inbound websocket message size in bytes
	IdleTimeout time.Duration `toml:"idle_timeout"`
}

type AudioConfig struct {
	SampleRate    int `toml:"sample_rate"`
	Channels      int `toml:"channels"`
	BitsPerSample int `toml:"bits_per_sample"`
}

type BatchConfig struct {
	Interval       time.Duration `toml:"interval"`
	Model          string        `toml:"model"`
	Sentinel       string        `toml:"sentinel"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

type StreamingConfig struct {
	BaseURL  string `toml:"base_url"`
	Path     string `toml:"path"`
	Model    string `toml:"model"`
	Language string `toml:"language"`
}

type ProvidersConfig struct {
	OpenAI ProviderConfig `toml:"openai"`
}

type ProviderConfig struct {
	APIKey string `toml:"api_key"`
}

// APIKey returns the configured OpenAI key, falling back to the environment.
func (c *Config) APIKey() string {
	if c.Providers.OpenAI.APIKey != "" {
		return c.Providers.OpenAI.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (c *Config) Validate() error {
	// Server
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("invalid server.listen_addr: empty")
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("invalid server.read_limit: %d", c.Server.ReadLimit)
	}
	if c.Server.IdleTimeout <= 0 {
		return fmt.Errorf("invalid server.idle_timeout: %v", c.Server.IdleTimeout)
	}

	// Audio
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("invalid audio.sample_rate: %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("invalid audio.channels: %d", c.Audio.Channels)
	}
	if c.Audio.BitsPerSample != 8 && c.Audio.BitsPerSample != 16 {
		return fmt.Errorf("invalid audio.bits_per_sample: %d (must be 8 or 16)", c.Audio.BitsPerSample)
	}

	// Batch
	if c.Batch.Interval <= 0 {
		return fmt.Errorf("invalid batch.interval: %v", c.Batch.Interval)
	}
	if c.Batch.Model == "" {
		return fmt.Errorf("invalid batch.model: empty")
	}
	if c.Batch.Sentinel == "" {
		return fmt.Errorf("invalid batch.sentinel: empty")
	}
	if c.Batch.RequestTimeout <= 0 {
		return fmt.Errorf("invalid batch.request_timeout: %v", c.Batch.RequestTimeout)
	}

	// Streaming
	if c.Streaming.BaseURL == "" {
		return fmt.Errorf("invalid streaming.base_url: empty")
	}
	if c.Streaming.Path == "" {
		return fmt.Errorf("invalid streaming.path: empty")
	}
	if c.Streaming.Model == "" {
		return fmt.Errorf("invalid streaming.model: empty")
	}

	if c.APIKey() == "" {
		return fmt.Errorf("OpenAI API key required: not found in config (providers.openai.api_key) or environment variable (OPENAI_API_KEY)")
	}

	return nil
}

func GetConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	voxrelayDir := filepath.Join(configDir, "voxrelay")
	if err := os.MkdirAll(voxrelayDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return filepath.Join(voxrelayDir, "config.toml"), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	// If config file doesn't exist, create it with defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Printf("config: no config file found at %s, creating with defaults", configPath)
		if err := SaveDefaultConfig(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	return LoadFrom(configPath)
}

func LoadFrom(path string) (*Config, error) {
	var config Config
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyDefaults()

	log.Printf("config: configuration loaded from %s", path)
	return &config, nil
}
