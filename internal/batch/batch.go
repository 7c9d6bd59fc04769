// Package batch submits windowed audio to the non-streaming transcription
// endpoint and interprets the responses.
package batch

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/voxrelay/voxrelay/internal/wav"
)

// Result is a completed batch transcription, tagged with the sequence number
// assigned when its window was drained.
type Result struct {
	Seq        int64
	Text       string
	ReceivedAt time.Time
	// NoSpeech is set when the model returned the inaudible sentinel or an
	// effectively empty transcription; such results are suppressed upstream.
	NoSpeech bool
}

// Submitter issues a single-shot transcription request for one drained window.
type Submitter interface {
	Submit(ctx context.Context, fragments [][]byte, seq int64) (Result, error)
}

// Config holds settings for the OpenAI-backed submitter.
type Config struct {
	APIKey   string
	BaseURL  string // empty uses the provider default; overridden in tests
	Model    string
	Sentinel string

	SampleRate    int
	Channels      int
	BitsPerSample int
}

// OpenAISubmitter sends audio inline in a chat completion request, with an
// instruction telling the model to answer with transcribed speech only.
type OpenAISubmitter struct {
	client      *openai.Client
	model       string
	sentinel    string
	instruction string

	sampleRate    int
	channels      int
	bitsPerSample int
}

func NewOpenAISubmitter(config Config) *OpenAISubmitter {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	instruction := fmt.Sprintf(
		"Transcribe the speech in the attached audio. Respond with only the transcribed text, "+
			"no commentary or punctuation notes. If the audio is silent, inaudible, or contains "+
			"no intelligible speech, respond with exactly %s.",
		config.Sentinel,
	)

	return &OpenAISubmitter{
		client:        openai.NewClientWithConfig(clientConfig),
		model:         config.Model,
		sentinel:      config.Sentinel,
		instruction:   instruction,
		sampleRate:    config.SampleRate,
		channels:      config.Channels,
		bitsPerSample: config.BitsPerSample,
	}
}

// Submit concatenates the fragments in arrival order, wraps them in a WAV
// container, and issues one transcription request. Fragment boundaries are
// sample boundaries, so byte-exact concatenation is correct.
func (s *OpenAISubmitter) Submit(ctx context.Context, fragments [][]byte, seq int64) (Result, error) {
	pcm := concat(fragments)
	wavData := wav.Encode(pcm, s.sampleRate, s.channels, s.bitsPerSample)

	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: s.instruction,
					},
					{
						Type: openai.ChatMessagePartTypeInputAudio,
						InputAudio: &openai.ChatMessageInputAudio{
							Data:   base64.StdEncoding.EncodeToString(wavData),
							Format: "wav",
						},
					},
				},
			},
		},
	}

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, req)
	duration := time.Since(start)

	if err != nil {
		return Result{}, fmt.Errorf("transcription request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("transcription request: empty response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	result := Result{
		Seq:        seq,
		Text:       text,
		ReceivedAt: time.Now(),
	}

	if text == "" || containsSentinel(text, s.sentinel) {
		log.Printf("batch: seq=%d no speech detected in %v", seq, duration)
		result.NoSpeech = true
		result.Text = ""
		return result, nil
	}

	audioLen := wav.Duration(len(pcm), s.sampleRate, s.channels, s.bitsPerSample)
	log.Printf("batch: seq=%d transcribed %v of audio in %v", seq, audioLen, duration)
	return result, nil
}

// containsSentinel reports whether text contains the sentinel, ignoring case.
func containsSentinel(text, sentinel string) bool {
	if sentinel == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(sentinel))
}

func concat(fragments [][]byte) []byte {
	total := 0
	for _, f := range fragments {
		total += len(f)
	}

	pcm := make([]byte, 0, total)
	for _, f := range fragments {
		pcm = append(pcm, f...)
	}
	return pcm
}
