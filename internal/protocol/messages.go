package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client → server.
const (
	TypeMessage MessageType = "message"
	TypeAudio   MessageType = "audio"
	TypePing    MessageType = "ping"
	TypeStats   MessageType = "stats"
)

// Server → client.
const (
	TypeConversationStarted MessageType = "conversation_started"
	TypeTranscription       MessageType = "transcription"
	TypeShoppingResponse    MessageType = "shopping_response"
	TypeAudioResponse       MessageType = "audio_response"
	TypePong                MessageType = "pong"
	TypeError               MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// TimestampLayout is the wire format for ping/pong clock fields.
const TimestampLayout = time.RFC3339Nano

type Envelope struct {
	Type MessageType `json:"type"`
}

// TextMessage carries one user text utterance to the shopping processor.
type TextMessage struct {
	Type       MessageType `json:"type"`
	Data       string      `json:"data"`
	TrackingID string      `json:"tracking_id,omitempty"`
}

// AudioMessage carries one finalized audio utterance.
type AudioMessage struct {
	Type       MessageType `json:"type"`
	Data       string      `json:"data"` // base64 audio
	Format     string      `json:"format"`
	Lang       string      `json:"lang"`
	TrackingID string      `json:"tracking_id,omitempty"`
}

// PingMessage carries the client clock for keepalive RTT measurement.
type PingMessage struct {
	Type       MessageType `json:"type"`
	Timestamp  string      `json:"timestamp"`
	TrackingID string      `json:"tracking_id,omitempty"`
}

// StatsMessage requests server-side session statistics.
type StatsMessage struct {
	Type       MessageType `json:"type"`
	TrackingID string      `json:"tracking_id,omitempty"`
}

// ConversationStarted acknowledges the session and assigns its id.
type ConversationStarted struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
}

// Transcription reports the server-side transcription of a sent utterance.
type Transcription struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// ShoppingResult is the processor's text reply.
type ShoppingResult struct {
	Response   string `json:"response"`
	DurationMS int64  `json:"duration_ms"`
}

// AudioResult carries synthesized speech for a reply.
type AudioResult struct {
	AudioBase64 string `json:"audio_base64"`
}

// Reply is the combined shopping_response/audio_response server message.
// Reply audio, when present, lives under audio_response.audio_base64;
// older protocol revisions put it directly on the envelope instead.
type Reply struct {
	Type             MessageType     `json:"type"`
	ShoppingResponse *ShoppingResult `json:"shopping_response,omitempty"`
	AudioResponse    *AudioResult    `json:"audio_response,omitempty"`
	LegacyAudio      string          `json:"audio_base64,omitempty"`
}

// AudioBase64 returns the reply audio payload, if any.
func (r Reply) AudioBase64() string {
	if r.AudioResponse != nil && strings.TrimSpace(r.AudioResponse.AudioBase64) != "" {
		return r.AudioResponse.AudioBase64
	}
	return strings.TrimSpace(r.LegacyAudio)
}

// Text returns the reply text, empty when the processor sent none.
func (r Reply) Text() string {
	if r.ShoppingResponse == nil {
		return ""
	}
	return r.ShoppingResponse.Response
}

// Pong echoes the client clock and adds the server clock.
type Pong struct {
	Type            MessageType `json:"type"`
	ClientTimestamp string      `json:"client_timestamp"`
	ServerTimestamp string      `json:"server_timestamp"`
	TrackingID      string      `json:"tracking_id,omitempty"`
}

// ServerError reports a processor or protocol failure.
type ServerError struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// ParseServerMessage decodes one inbound frame into its typed form.
// Unrecognized types return ErrUnsupportedType together with the decoded
// envelope so callers can surface them as a generic notification instead
// of dropping them.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConversationStarted:
		var msg ConversationStarted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" {
			return nil, errors.New("invalid conversation_started: missing conversation_id")
		}
		return msg, nil
	case TypeTranscription:
		var msg Transcription
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeShoppingResponse, TypeAudioResponse:
		var msg Reply
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePong:
		var msg Pong
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return env, ErrUnsupportedType
	}
}

// PongLatency computes keepalive latency as the server clock at pong time
// minus the client timestamp echoed back: server_timestamp -
// client_timestamp. Clock skew can make the difference negative; it is
// clamped to zero.
func PongLatency(p Pong) (time.Duration, error) {
	sent, err := time.Parse(TimestampLayout, p.ClientTimestamp)
	if err != nil {
		return 0, fmt.Errorf("invalid client_timestamp: %w", err)
	}
	served, err := time.Parse(TimestampLayout, p.ServerTimestamp)
	if err != nil {
		return 0, fmt.Errorf("invalid server_timestamp: %w", err)
	}
	d := served.Sub(sent)
	if d < 0 {
		d = 0
	}
	return d, nil
}
