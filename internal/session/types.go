package session

import (
	"time"

	"github.com/jllobera/shopvoice/internal/protocol"
)

// ConnectionState tracks the websocket lifecycle. It transitions only from
// socket events, never from user-level conversation state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// Session identifies one logical conversation with the shopping processor.
type Session struct {
	ConversationID   string    `json:"conversation_id"`
	SubjectID        string    `json:"subject_id"`
	TenantID         string    `json:"tenant_id"`
	WantAudioReplies bool      `json:"want_audio_replies"`
	StartedAt        time.Time `json:"started_at"`
}

// Events delivered to the orchestrator, strictly in receipt order.

// StartedEvent fires when the server acknowledges the conversation.
type StartedEvent struct {
	Session Session
}

// ReplyEvent carries a processor reply, possibly with synthesized audio.
type ReplyEvent struct {
	Reply protocol.Reply
}

// TranscriptionEvent reports the server-side transcription of an utterance.
type TranscriptionEvent struct {
	Text string
}

// PongEvent reports a keepalive round trip.
type PongEvent struct {
	RTT time.Duration
}

// NoticeEvent surfaces an unrecognized server message type.
type NoticeEvent struct {
	Type string
}

// ErrorEvent surfaces a server error or a malformed inbound message.
type ErrorEvent struct {
	Message string
}

// ConnectionEvent reports a connection state change. Attempt is non-zero
// while a reconnect is pending, Exhausted true once retries are spent.
type ConnectionEvent struct {
	State     ConnectionState
	Attempt   int
	Exhausted bool
}
