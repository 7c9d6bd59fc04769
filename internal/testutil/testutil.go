// Package testutil provides shared fakes for exercising the relay without
// real websocket connections or upstream services.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/batch"
	"github.com/voxrelay/voxrelay/internal/streaming"
)

// FakeConn implements the coordinator's ClientConn. Tests drive the inbound
// side with ClientSend/ClientClose and inspect outbound messages via Sent.
type FakeConn struct {
	mu       sync.Mutex
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	sent     []any
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *FakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.incoming:
		if !ok {
			return 0, nil, fmt.Errorf("client disconnected")
		}
		return 1, data, nil
	case <-c.closed:
		return 0, nil, fmt.Errorf("connection closed")
	}
}

func (c *FakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
	}

	c.sent = append(c.sent, v)
	return nil
}

func (c *FakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// ClientSend delivers one raw message as if sent by the client.
func (c *FakeConn) ClientSend(data []byte) {
	c.incoming <- data
}

// ClientClose simulates the client disconnecting.
func (c *FakeConn) ClientClose() {
	close(c.incoming)
}

// Sent returns a copy of everything written to the client so far.
func (c *FakeConn) Sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

// FakeSession implements the coordinator's StreamSession. Tests emit
// upstream events with Emit and inspect forwarded audio via SentAudio.
type FakeSession struct {
	StartErr error

	mu        sync.Mutex
	events    chan streaming.Event
	closeOnce sync.Once
	started   bool
	closed    bool
	sentAudio [][]byte
	sentTexts []string
}

func NewFakeSession() *FakeSession {
	return &FakeSession{
		events: make(chan streaming.Event, 64),
	}
}

func (s *FakeSession) Start(ctx context.Context) error {
	if s.StartErr != nil {
		return s.StartErr
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *FakeSession) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.closed {
		return nil // dropped, like a real session outside Open
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.sentAudio = append(s.sentAudio, buf)
	return nil
}

func (s *FakeSession) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.closed {
		return nil
	}

	s.sentTexts = append(s.sentTexts, text)
	return nil
}

func (s *FakeSession) Events() <-chan streaming.Event {
	return s.events
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// Emit delivers one upstream event to the coordinator.
func (s *FakeSession) Emit(event streaming.Event) {
	s.events <- event
}

func (s *FakeSession) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.sentAudio))
	copy(out, s.sentAudio)
	return out
}

func (s *FakeSession) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.sentTexts))
	copy(out, s.sentTexts)
	return out
}

func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SubmitCall records one batch submission.
type SubmitCall struct {
	Fragments [][]byte
	Seq       int64
}

// FakeSubmitter implements batch.Submitter. The default behavior returns a
// fixed transcription; SubmitFunc overrides it. Setting Release makes Submit
// block until the channel is signalled, to exercise the in-flight guard.
type FakeSubmitter struct {
	SubmitFunc func(ctx context.Context, fragments [][]byte, seq int64) (batch.Result, error)
	Release    chan struct{}

	mu    sync.Mutex
	calls []SubmitCall
}

func NewFakeSubmitter() *FakeSubmitter {
	return &FakeSubmitter{}
}

func (f *FakeSubmitter) Submit(ctx context.Context, fragments [][]byte, seq int64) (batch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, SubmitCall{Fragments: fragments, Seq: seq})
	f.mu.Unlock()

	if f.Release != nil {
		select {
		case <-f.Release:
		case <-ctx.Done():
			return batch.Result{}, ctx.Err()
		}
	}

	if f.SubmitFunc != nil {
		return f.SubmitFunc(ctx, fragments, seq)
	}

	return batch.Result{Seq: seq, Text: "corrected", ReceivedAt: time.Now()}, nil
}

func (f *FakeSubmitter) Calls() []SubmitCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SubmitCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// WaitForCondition polls until the condition holds or the timeout elapses.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
