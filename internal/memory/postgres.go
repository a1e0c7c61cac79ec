package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the conversation transcript in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_turns_subject_created
			ON transcript_turns (subject_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_turns_conversation_created
			ON transcript_turns (conversation_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_turns (id, conversation_id, subject_id, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID,
		record.ConversationID,
		record.SubjectID,
		record.Role,
		record.Content,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, subjectID string, limit int) ([]TurnRecord, error) {
	return s.queryTurns(ctx,
		`SELECT id, conversation_id, subject_id, role, content, pii_redacted, created_at
		 FROM transcript_turns WHERE subject_id=$1 ORDER BY created_at DESC LIMIT $2`,
		subjectID, limit)
}

func (s *PostgresStore) ConversationTurns(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	return s.queryTurns(ctx,
		`SELECT id, conversation_id, subject_id, role, content, pii_redacted, created_at
		 FROM transcript_turns WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT $2`,
		conversationID, limit)
}

func (s *PostgresStore) queryTurns(ctx context.Context, sql, key string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx, sql, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.SubjectID, &rec.Role, &rec.Content, &rec.PIIRedacted, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Oldest first, matching the in-memory store.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
