// Package relay multiplexes one client connection's audio onto a streaming
// transcription session and a windowed batch transcription pipeline, and
// relays both result streams back to the client.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"time"

	"github.com/voxrelay/voxrelay/internal/batch"
	"github.com/voxrelay/voxrelay/internal/metrics"
	"github.com/voxrelay/voxrelay/internal/streaming"
)

// ClientConn is the subset of a websocket connection the coordinator needs.
// Satisfied by *websocket.Conn from gofiber/websocket.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// StreamSession is the streaming relay owned by one coordinator.
// Satisfied by *streaming.Session.
type StreamSession interface {
	Start(ctx context.Context) error
	Send(pcm []byte) error
	SendText(text string) error
	Events() <-chan streaming.Event
	Close() error
}

// Coordinator drives both transcription paths for a single client
// connection. All per-connection state (window drains, the in-flight flag,
// outbound writes) is owned by the Run loop goroutine; the only concurrent
// accessors are the inbound reader and the batch completion goroutine, both
// of which hand off through channels.
type Coordinator struct {
	id        string
	conn      ClientConn
	session   StreamSession
	submitter batch.Submitter
	metrics   *metrics.Metrics

	interval       time.Duration
	requestTimeout time.Duration

	window   *Window
	inFlight bool
	results  chan submitOutcome
}

type submitOutcome struct {
	result batch.Result
	err    error
}

// inboundMessage is one decoded client message, or a malformed marker for an
// unparseable one so the Run loop can report it on the write side.
type inboundMessage struct {
	msg       ClientMessage
	malformed bool
}

// Options configures a Coordinator.
type Options struct {
	ID             string
	Interval       time.Duration
	RequestTimeout time.Duration
}

func NewCoordinator(conn ClientConn, session StreamSession, submitter batch.Submitter, m *metrics.Metrics, opts Options) *Coordinator {
	return &Coordinator{
		id:             opts.ID,
		conn:           conn,
		session:        session,
		submitter:      submitter,
		metrics:        m,
		interval:       opts.Interval,
		requestTimeout: opts.RequestTimeout,
		window:         NewWindow(),
		results:        make(chan submitOutcome, 1),
	}
}

// Run services the connection until the client disconnects or ctx is
// cancelled. It always returns with the timer stopped, any undrained window
// contents discarded, and the streaming session close requested.
func (c *Coordinator) Run(ctx context.Context) {
	start := time.Now()
	c.metrics.ConnectionsTotal.Inc()
	c.metrics.ConnectionsActive.Inc()
	defer func() {
		c.metrics.ConnectionsActive.Dec()
		c.metrics.ConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	sessionEvents := c.session.Events()
	if err := c.session.Start(ctx); err != nil {
		// streaming failure is not fatal: the batch path still serves the
		// client, so report and carry on
		log.Printf("relay[%s]: streaming open failed: %v", c.id, err)
		c.metrics.StreamingFailures.Inc()
		c.write(ServerMessage{Type: TypeError, Message: "streaming transcription unavailable"})
	}

	inbound := make(chan inboundMessage, 16)
	go c.readLoop(inbound)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// session close must not block teardown
	defer func() { go c.session.Close() }()

	for {
		select {
		case in, ok := <-inbound:
			if !ok {
				log.Printf("relay[%s]: client disconnected", c.id)
				return
			}
			if in.malformed {
				// parse failures are reported but never fatal
				c.write(ServerMessage{Type: TypeError, Message: "invalid message"})
				continue
			}
			c.handleClientMessage(in.msg)

		case event, ok := <-sessionEvents:
			if !ok {
				sessionEvents = nil
				continue
			}
			c.handleSessionEvent(event)

		case outcome := <-c.results:
			c.inFlight = false
			c.handleSubmitOutcome(outcome)

		case <-ticker.C:
			c.drainTick(ctx)

		case <-ctx.Done():
			c.write(ServerMessage{Type: TypeClosed, Reason: "server shutting down"})
			c.conn.Close()
			// unblock and retire the reader
			for range inbound {
			}
			return
		}
	}
}

// readLoop decodes inbound client messages. It owns the read side of the
// connection and closes the channel when the client goes away.
func (c *Coordinator) readLoop(inbound chan<- inboundMessage) {
	defer close(inbound)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("relay[%s]: malformed client message: %v", c.id, err)
			c.metrics.InvalidMessages.Inc()
			inbound <- inboundMessage{malformed: true}
			continue
		}

		inbound <- inboundMessage{msg: msg}
	}
}

func (c *Coordinator) handleClientMessage(msg ClientMessage) {
	switch msg.Type {
	case TypeAudio:
		fragment, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			log.Printf("relay[%s]: bad audio payload: %v", c.id, err)
			c.metrics.InvalidMessages.Inc()
			c.write(ServerMessage{Type: TypeError, Message: "invalid audio payload"})
			return
		}

		c.metrics.FragmentsReceived.Inc()
		c.metrics.FragmentBytes.Add(float64(len(fragment)))

		// both paths get every fragment, independent of each other
		c.window.Append(fragment)
		if err := c.session.Send(fragment); err != nil {
			log.Printf("relay[%s]: streaming send failed: %v", c.id, err)
		}

	case TypeText:
		if err := c.session.SendText(msg.Text); err != nil {
			log.Printf("relay[%s]: streaming text send failed: %v", c.id, err)
		}

	default:
		log.Printf("relay[%s]: unknown message type %q, ignoring", c.id, msg.Type)
		c.metrics.InvalidMessages.Inc()
	}
}

func (c *Coordinator) handleSessionEvent(event streaming.Event) {
	c.metrics.StreamingEvents.WithLabelValues(event.Type.String()).Inc()

	switch event.Type {
	case streaming.EventReady:
		c.write(ServerMessage{Type: TypeStatus, Message: "streaming transcription active"})

	case streaming.EventTranscript:
		c.write(ServerMessage{Type: TypeRealtime, Text: event.Text})

	case streaming.EventError:
		log.Printf("relay[%s]: streaming error: %v", c.id, event.Err)
		c.metrics.StreamingFailures.Inc()
		c.write(ServerMessage{Type: TypeError, Message: event.Err.Error()})

	case streaming.EventClosed:
		log.Printf("relay[%s]: streaming session ended: %s", c.id, event.Reason)
		c.write(ServerMessage{Type: TypeStatus, Message: "streaming session ended"})
	}
}

// drainTick runs on every timer tick. While a submission is in flight the
// window is left alone, so its audio rolls into the next batch; this bounds
// outbound requests to one per connection at a time.
func (c *Coordinator) drainTick(ctx context.Context) {
	if c.inFlight {
		log.Printf("relay[%s]: batch in flight, deferring drain", c.id)
		return
	}

	fragments, seq := c.window.DrainAndReset()
	if len(fragments) == 0 {
		c.metrics.BatchesEmpty.Inc()
		return
	}

	c.inFlight = true
	c.metrics.BatchesSubmitted.Inc()

	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	c.metrics.BatchSize.Observe(float64(total))

	go func() {
		submitCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		start := time.Now()
		result, err := c.submitter.Submit(submitCtx, fragments, seq)
		c.metrics.BatchDuration.Observe(time.Since(start).Seconds())

		// results is buffered: if the connection is already gone the
		// outcome is discarded and this goroutine still exits
		c.results <- submitOutcome{result: result, err: err}
	}()
}

func (c *Coordinator) handleSubmitOutcome(outcome submitOutcome) {
	if outcome.err != nil {
		// a failed batch produces no result; the next tick retries with
		// fresh audio
		log.Printf("relay[%s]: batch failed: %v", c.id, outcome.err)
		c.metrics.BatchesFailed.Inc()
		return
	}

	if outcome.result.NoSpeech {
		c.metrics.BatchesNoSpeech.Inc()
		return
	}

	c.metrics.BatchesSucceeded.Inc()
	c.write(ServerMessage{
		Type:      TypeCorrected,
		Text:      outcome.result.Text,
		ChunkID:   outcome.result.Seq,
		Timestamp: outcome.result.ReceivedAt.UTC().Format(time.RFC3339),
	})
}

func (c *Coordinator) write(msg ServerMessage) {
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("relay[%s]: client write failed: %v", c.id, err)
	}
}
