package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/batch"
	"github.com/voxrelay/voxrelay/internal/metrics"
	"github.com/voxrelay/voxrelay/internal/streaming"
	"github.com/voxrelay/voxrelay/internal/testutil"
)

type testRig struct {
	coord     *Coordinator
	conn      *testutil.FakeConn
	session   *testutil.FakeSession
	submitter *testutil.FakeSubmitter
	done      chan struct{}
	cancel    context.CancelFunc
}

func newTestRig(t *testing.T, interval time.Duration) *testRig {
	t.Helper()

	conn := testutil.NewFakeConn()
	session := testutil.NewFakeSession()
	submitter := testutil.NewFakeSubmitter()

	coord := NewCoordinator(conn, session, submitter, metrics.NewNop(), Options{
		ID:             "test",
		Interval:       interval,
		RequestTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()

	rig := &testRig{coord: coord, conn: conn, session: session, submitter: submitter, done: done, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})

	return rig
}

func audioMessage(t *testing.T, pcm []byte) []byte {
	t.Helper()

	data, err := json.Marshal(ClientMessage{
		Type:  TypeAudio,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		t.Fatalf("marshal audio message: %v", err)
	}
	return data
}

func (r *testRig) messagesOfType(msgType string) []ServerMessage {
	var out []ServerMessage
	for _, v := range r.conn.Sent() {
		if msg, ok := v.(ServerMessage); ok && msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func TestCoordinator_FragmentGoesToBothPaths(t *testing.T) {
	rig := newTestRig(t, time.Hour) // ticker effectively disabled

	pcm := []byte{0x01, 0x00, 0x02, 0x00}
	rig.conn.ClientSend(audioMessage(t, pcm))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.session.SentAudio()) == 1
	}, time.Second)

	if got := rig.session.SentAudio()[0]; string(got) != string(pcm) {
		t.Errorf("session received %v, want %v", got, pcm)
	}

	testutil.WaitForCondition(t, func() bool {
		return rig.coord.window.Len() == 1
	}, time.Second)
}

func TestCoordinator_DrainSubmitsAccumulatedFragments(t *testing.T) {
	rig := newTestRig(t, 40*time.Millisecond)

	fragments := [][]byte{{0x01, 0x00}, {0x02, 0x00}, {0x03, 0x00}}
	for _, f := range fragments {
		rig.conn.ClientSend(audioMessage(t, f))
	}

	testutil.WaitForCondition(t, func() bool {
		return len(rig.submitter.Calls()) >= 1
	}, time.Second)

	call := rig.submitter.Calls()[0]
	if call.Seq != 1 {
		t.Errorf("seq = %d, want 1", call.Seq)
	}
	if len(call.Fragments) != 3 {
		t.Fatalf("submitted %d fragments, want 3", len(call.Fragments))
	}
	for i, want := range fragments {
		if string(call.Fragments[i]) != string(want) {
			t.Errorf("fragment %d = %v, want %v (arrival order must hold)", i, call.Fragments[i], want)
		}
	}
}

func TestCoordinator_EmptyWindowNeverSubmits(t *testing.T) {
	rig := newTestRig(t, 20*time.Millisecond)

	time.Sleep(150 * time.Millisecond) // several ticks with no audio

	if calls := rig.submitter.Calls(); len(calls) != 0 {
		t.Errorf("submitter called %d times on empty windows, want 0", len(calls))
	}
}

func TestCoordinator_SingleSubmissionInFlight(t *testing.T) {
	rig := newTestRig(t, 30*time.Millisecond)
	release := make(chan struct{})
	rig.submitter.Release = release

	rig.conn.ClientSend(audioMessage(t, []byte{0x01, 0x00}))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.submitter.Calls()) == 1
	}, time.Second)

	// audio arriving while the first submission is stuck in flight
	rig.conn.ClientSend(audioMessage(t, []byte{0x02, 0x00}))
	rig.conn.ClientSend(audioMessage(t, []byte{0x03, 0x00}))

	time.Sleep(150 * time.Millisecond) // several ticks pass

	if calls := rig.submitter.Calls(); len(calls) != 1 {
		t.Fatalf("%d submissions while one in flight, want 1", len(calls))
	}

	close(release)

	// deferred audio rolls into the next batch as a whole
	testutil.WaitForCondition(t, func() bool {
		return len(rig.submitter.Calls()) == 2
	}, time.Second)

	second := rig.submitter.Calls()[1]
	if second.Seq != 2 {
		t.Errorf("second seq = %d, want 2", second.Seq)
	}
	if len(second.Fragments) != 2 {
		t.Errorf("second batch has %d fragments, want the 2 deferred ones", len(second.Fragments))
	}
}

func TestCoordinator_CorrectedTranscriptionMessage(t *testing.T) {
	rig := newTestRig(t, 30*time.Millisecond)
	rig.submitter.SubmitFunc = func(ctx context.Context, fragments [][]byte, seq int64) (batch.Result, error) {
		return batch.Result{Seq: seq, Text: "hello there", ReceivedAt: time.Now()}, nil
	}

	rig.conn.ClientSend(audioMessage(t, []byte{0x01, 0x00}))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.messagesOfType(TypeCorrected)) == 1
	}, time.Second)

	msg := rig.messagesOfType(TypeCorrected)[0]
	if msg.Text != "hello there" {
		t.Errorf("text = %q, want %q", msg.Text, "hello there")
	}
	if msg.ChunkID != 1 {
		t.Errorf("chunkId = %d, want 1", msg.ChunkID)
	}
	if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", msg.Timestamp, err)
	}
}

func TestCoordinator_NoSpeechResultSuppressed(t *testing.T) {
	rig := newTestRig(t, 30*time.Millisecond)
	rig.submitter.SubmitFunc = func(ctx context.Context, fragments [][]byte, seq int64) (batch.Result, error) {
		return batch.Result{Seq: seq, NoSpeech: true, ReceivedAt: time.Now()}, nil
	}

	rig.conn.ClientSend(audioMessage(t, []byte{0x01, 0x00}))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.submitter.Calls()) >= 1
	}, time.Second)
	time.Sleep(50 * time.Millisecond)

	if msgs := rig.messagesOfType(TypeCorrected); len(msgs) != 0 {
		t.Errorf("got %d corrected messages for a no-speech batch, want 0", len(msgs))
	}
	if msgs := rig.messagesOfType(TypeError); len(msgs) != 0 {
		t.Errorf("no-speech must not look like an error, got %d error messages", len(msgs))
	}
}

func TestCoordinator_BatchFailureIsNotFatal(t *testing.T) {
	rig := newTestRig(t, 30*time.Millisecond)

	failed := false
	rig.submitter.SubmitFunc = func(ctx context.Context, fragments [][]byte, seq int64) (batch.Result, error) {
		if !failed {
			failed = true
			return batch.Result{}, errors.New("upstream 500")
		}
		return batch.Result{Seq: seq, Text: "recovered", ReceivedAt: time.Now()}, nil
	}

	rig.conn.ClientSend(audioMessage(t, []byte{0x01, 0x00}))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.submitter.Calls()) >= 1
	}, time.Second)

	// the next window retries with fresh audio, undisturbed
	rig.conn.ClientSend(audioMessage(t, []byte{0x02, 0x00}))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.messagesOfType(TypeCorrected)) == 1
	}, time.Second)

	if got := rig.messagesOfType(TypeCorrected)[0].Text; got != "recovered" {
		t.Errorf("text = %q, want %q", got, "recovered")
	}
}

func TestCoordinator_DisconnectDiscardsPartialWindow(t *testing.T) {
	rig := newTestRig(t, time.Hour)

	rig.conn.ClientSend(audioMessage(t, []byte{0x01, 0x00}))
	rig.conn.ClientSend(audioMessage(t, []byte{0x02, 0x00}))

	testutil.WaitForCondition(t, func() bool {
		return rig.coord.window.Len() == 2
	}, time.Second)

	rig.conn.ClientClose()

	select {
	case <-rig.done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop on disconnect")
	}

	if calls := rig.submitter.Calls(); len(calls) != 0 {
		t.Errorf("partial final window was submitted (%d calls), want discard", len(calls))
	}

	testutil.WaitForCondition(t, func() bool {
		return rig.session.Closed()
	}, time.Second)
}

func TestCoordinator_StreamingEventsForwarded(t *testing.T) {
	rig := newTestRig(t, time.Hour)

	rig.session.Emit(streaming.Event{Type: streaming.EventReady})
	rig.session.Emit(streaming.Event{Type: streaming.EventTranscript, Text: "first"})
	rig.session.Emit(streaming.Event{Type: streaming.EventTranscript, Text: "second", Final: true})

	testutil.WaitForCondition(t, func() bool {
		return len(rig.messagesOfType(TypeRealtime)) == 2
	}, time.Second)

	live := rig.messagesOfType(TypeRealtime)
	if live[0].Text != "first" || live[1].Text != "second" {
		t.Errorf("realtime messages out of emission order: %+v", live)
	}

	status := rig.messagesOfType(TypeStatus)
	if len(status) != 1 {
		t.Errorf("got %d status messages, want exactly 1 on ready", len(status))
	}
}

func TestCoordinator_StreamingErrorKeepsConnectionAlive(t *testing.T) {
	rig := newTestRig(t, 30*time.Millisecond)

	rig.session.Emit(streaming.Event{Type: streaming.EventError, Err: errors.New("transport broke")})

	testutil.WaitForCondition(t, func() bool {
		return len(rig.messagesOfType(TypeError)) == 1
	}, time.Second)

	// the batch path keeps working after a streaming failure
	rig.conn.ClientSend(audioMessage(t, []byte{0x01, 0x00}))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.submitter.Calls()) >= 1
	}, time.Second)
}

func TestCoordinator_StreamingOpenFailureReported(t *testing.T) {
	conn := testutil.NewFakeConn()
	session := testutil.NewFakeSession()
	session.StartErr = errors.New("dial refused")
	submitter := testutil.NewFakeSubmitter()

	coord := NewCoordinator(conn, session, submitter, metrics.NewNop(), Options{
		ID:             "test",
		Interval:       30 * time.Millisecond,
		RequestTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	testutil.WaitForCondition(t, func() bool {
		for _, v := range conn.Sent() {
			if msg, ok := v.(ServerMessage); ok && msg.Type == TypeError {
				return true
			}
		}
		return false
	}, time.Second)

	// batch-only operation continues
	data, _ := json.Marshal(ClientMessage{Type: TypeAudio, Audio: base64.StdEncoding.EncodeToString([]byte{0x01, 0x00})})
	conn.ClientSend(data)

	testutil.WaitForCondition(t, func() bool {
		return len(submitter.Calls()) >= 1
	}, time.Second)
}

func TestCoordinator_MalformedMessageReportsError(t *testing.T) {
	rig := newTestRig(t, time.Hour)

	rig.conn.ClientSend([]byte("{not json"))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.messagesOfType(TypeError)) == 1
	}, time.Second)

	// connection is still usable
	rig.conn.ClientSend(audioMessage(t, []byte{0x01, 0x00}))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.session.SentAudio()) == 1
	}, time.Second)
}

func TestCoordinator_UnknownMessageTypeIgnored(t *testing.T) {
	rig := newTestRig(t, time.Hour)

	data, _ := json.Marshal(ClientMessage{Type: "ping"})
	rig.conn.ClientSend(data)
	rig.conn.ClientSend(audioMessage(t, []byte{0x01, 0x00}))

	testutil.WaitForCondition(t, func() bool {
		return len(rig.session.SentAudio()) == 1
	}, time.Second)

	if msgs := rig.messagesOfType(TypeError); len(msgs) != 0 {
		t.Errorf("unknown type produced %d error messages, want 0", len(msgs))
	}
}

func TestCoordinator_TextPassthrough(t *testing.T) {
	rig := newTestRig(t, time.Hour)

	data, _ := json.Marshal(ClientMessage{Type: TypeText, Text: "hello session"})
	rig.conn.ClientSend(data)

	testutil.WaitForCondition(t, func() bool {
		texts := rig.session.SentTexts()
		return len(texts) == 1 && texts[0] == "hello session"
	}, time.Second)
}

// Mirrors the end-to-end scenario: ten fragments arrive quickly, the
// streaming session echoes two partials, and the first drain submits all
// ten fragments concatenated in arrival order.
func TestCoordinator_EndToEndScenario(t *testing.T) {
	rig := newTestRig(t, 200*time.Millisecond)

	const fragmentSamples = 4096
	fragments := make([][]byte, 10)
	for i := range fragments {
		f := make([]byte, fragmentSamples*2)
		for j := range f {
			f[j] = byte(i)
		}
		fragments[i] = f
		rig.conn.ClientSend(audioMessage(t, f))
	}

	rig.session.Emit(streaming.Event{Type: streaming.EventReady})
	rig.session.Emit(streaming.Event{Type: streaming.EventTranscript, Text: "partial one"})
	rig.session.Emit(streaming.Event{Type: streaming.EventTranscript, Text: "partial two"})

	testutil.WaitForCondition(t, func() bool {
		return len(rig.messagesOfType(TypeRealtime)) == 2
	}, time.Second)

	live := rig.messagesOfType(TypeRealtime)
	if live[0].Text != "partial one" || live[1].Text != "partial two" {
		t.Errorf("realtime messages out of order: %+v", live)
	}

	testutil.WaitForCondition(t, func() bool {
		return len(rig.submitter.Calls()) >= 1
	}, 2*time.Second)

	calls := rig.submitter.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d submissions, want exactly 1", len(calls))
	}
	if len(calls[0].Fragments) != 10 {
		t.Fatalf("batch has %d fragments, want 10", len(calls[0].Fragments))
	}
	for i, f := range calls[0].Fragments {
		if len(f) != fragmentSamples*2 || f[0] != byte(i) {
			t.Errorf("fragment %d out of arrival order", i)
		}
	}
}
