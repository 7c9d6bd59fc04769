package relay

// Client to relay message types.
const (
	TypeAudio = "audio"
	TypeText  = "text"
)

// Relay to client message types.
const (
	TypeStatus    = "status"
	TypeRealtime  = "realtime_transcription"
	TypeCorrected = "corrected_transcription"
	TypeError     = "error"
	TypeClosed    = "closed"
)

// ClientMessage is one inbound JSON message from the browser client.
type ClientMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"` // base64 PCM16LE mono 16kHz, for "audio"
	Text  string `json:"text,omitempty"`  // for "text"
}

// ServerMessage is one outbound JSON message to the browser client.
type ServerMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`   // for "status", "error"
	Text      string `json:"text,omitempty"`      // for transcription messages
	ChunkID   int64  `json:"chunkId,omitempty"`   // batch sequence number, for "corrected_transcription"
	Timestamp string `json:"timestamp,omitempty"` // RFC3339, for "corrected_transcription"
	Reason    string `json:"reason,omitempty"`    // for "closed"
}
