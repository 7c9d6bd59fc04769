package streaming

// State represents the lifecycle state of a streaming session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventType identifies a session event.
type EventType int

const (
	// EventReady fires once, when the upstream handshake completes.
	EventReady EventType = iota
	// EventTranscript carries an incremental transcription result.
	EventTranscript
	// EventError carries a handshake, transport, or upstream error.
	EventError
	// EventClosed fires when the session terminates.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single occurrence on a streaming session, delivered in upstream
// arrival order.
type Event struct {
	Type   EventType
	Text   string // transcript text, for EventTranscript
	Final  bool   // true when the upstream marks the turn complete
	Err    error  // non-nil for EventError
	Reason string // human-readable close reason, for EventClosed
}
