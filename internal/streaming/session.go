package streaming

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// Config holds the upstream realtime endpoint settings.
type Config struct {
	BaseURL  string // e.g. "wss://api.openai.com"
	Path     string // e.g. "/v1/realtime"
	APIKey   string
	Model    string
	Language string
}

// Session owns one websocket connection to the upstream streaming
// transcription service. There is no automatic reconnect: a failed session
// stays failed and the caller decides what to do.
type Session struct {
	config Config

	conn     *websocket.Conn
	eventsCh chan Event
	mu       sync.Mutex
	state    State
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Outgoing message types
type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionConfig `json:"turn_detection,omitempty"`
}

type transcriptionConfig struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type turnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response,omitempty"`
}

type inputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Incoming message types
type serverEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func New(config Config) *Session {
	return &Session{
		config:   config,
		eventsCh: make(chan Event, 100),
		state:    StateConnecting,
	}
}

// Events returns the channel on which session events are delivered.
// The channel is closed when the session terminates.
func (s *Session) Events() <-chan Event {
	return s.eventsCh
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start dials the upstream endpoint and configures a transcription-only
// session. The session reports Ready on its events channel once the upstream
// handshake completes.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("session already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	wsURL, err := s.buildURL()
	if err != nil {
		s.state = StateFailed
		return fmt.Errorf("build websocket url: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.config.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(s.ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("streaming: dial failed with status %d", resp.StatusCode)
		}
		s.state = StateFailed
		s.cancel()
		return fmt.Errorf("websocket dial: %w", err)
	}
	s.conn = conn

	if err := s.configureSession(); err != nil {
		conn.Close()
		s.conn = nil
		s.state = StateFailed
		s.cancel()
		return fmt.Errorf("configure session: %w", err)
	}

	s.wg.Add(1)
	go s.readLoop()

	log.Printf("streaming: connected, model=%s", s.config.Model)
	return nil
}

func (s *Session) buildURL() (string, error) {
	u, err := url.Parse(s.config.BaseURL + s.config.Path)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	q := u.Query()
	q.Set("model", s.config.Model)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// configureSession declares a text response modality and enables input audio
// transcription. Must be called with mu held.
func (s *Session) configureSession() error {
	update := sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:       []string{"text"},
			InputAudioFormat: "pcm16",
			InputAudioTranscription: &transcriptionConfig{
				Model:    "gpt-4o-transcribe",
				Language: s.config.Language,
			},
			TurnDetection: &turnDetectionConfig{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
				CreateResponse:    false,
			},
		},
	}

	return s.conn.WriteJSON(update)
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.eventsCh)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				// local close requested
				s.setState(StateClosed)
				s.emit(Event{Type: EventClosed, Reason: "session closed"})
				return
			default:
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("streaming: upstream closed: %v", err)
				s.setState(StateClosed)
				s.emit(Event{Type: EventClosed, Reason: "upstream closed"})
				return
			}

			log.Printf("streaming: read error: %v", err)
			s.setState(StateFailed)
			s.emit(Event{Type: EventError, Err: fmt.Errorf("websocket read: %w", err)})
			return
		}

		var event serverEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Printf("streaming: parse error: %v", err)
			continue
		}

		s.handleEvent(event)
	}
}

func (s *Session) handleEvent(event serverEvent) {
	switch event.Type {
	case "session.created", "session.updated":
		s.mu.Lock()
		wasConnecting := s.state == StateConnecting
		if wasConnecting {
			s.state = StateOpen
		}
		s.mu.Unlock()

		if wasConnecting {
			log.Printf("streaming: session open")
			s.emit(Event{Type: EventReady})
		}

	case "conversation.item.input_audio_transcription.delta":
		if event.Delta != "" {
			s.emit(Event{Type: EventTranscript, Text: event.Delta, Final: false})
		}

	case "conversation.item.input_audio_transcription.completed":
		if event.Transcript != "" {
			s.emit(Event{Type: EventTranscript, Text: event.Transcript, Final: true})
		}

	case "error":
		if event.Error != nil {
			log.Printf("streaming: upstream error: %s", event.Error.Message)
			s.emit(Event{Type: EventError, Err: fmt.Errorf("upstream: %s", event.Error.Message)})
		}

	case "input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped",
		"input_audio_buffer.committed", "conversation.item.created":
		// expected bookkeeping events, nothing to forward

	default:
		log.Printf("streaming: unhandled event type: %s", event.Type)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) emit(event Event) {
	select {
	case s.eventsCh <- event:
	default:
		log.Printf("streaming: events channel full, dropping %v event", event.Type)
	}
}

// Send forwards one raw PCM fragment to the upstream session. Fragments sent
// while the session is not open are dropped silently: audio may legitimately
// arrive before the handshake completes or after the session has ended.
func (s *Session) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen || s.conn == nil {
		return nil
	}

	msg := inputAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}

	if err := s.conn.WriteJSON(msg); err != nil {
		s.state = StateFailed
		return fmt.Errorf("websocket write: %w", err)
	}

	return nil
}

// SendText forwards a client text message to the upstream session.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen || s.conn == nil {
		return nil
	}

	msg := itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}

	if err := s.conn.WriteJSON(msg); err != nil {
		s.state = StateFailed
		return fmt.Errorf("websocket write: %w", err)
	}

	return nil
}

// Close shuts the session down and waits for the reader to finish.
func (s *Session) Close() error {
	s.mu.Lock()

	if s.conn == nil {
		s.mu.Unlock()
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	conn := s.conn
	if s.state == StateConnecting || s.state == StateOpen {
		s.state = StateClosed
	}
	s.mu.Unlock()

	// close websocket outside of lock (readLoop may be blocked on read)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	s.wg.Wait()

	log.Printf("streaming: closed")
	return nil
}
