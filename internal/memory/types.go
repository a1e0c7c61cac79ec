package memory

import (
	"context"
	"time"
)

// TurnRecord stores one user or assistant turn of a shopping conversation.
type TurnRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SubjectID      string    `json:"subject_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists and retrieves the conversation transcript.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, subjectID string, limit int) ([]TurnRecord, error)
	ConversationTurns(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error)
	Close() error
}
