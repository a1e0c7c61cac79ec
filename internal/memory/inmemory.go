package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps the transcript in-process; the default when no
// database is configured. Turns live in one append-only log with
// per-subject and per-conversation indexes, so both retrieval paths
// stay cheap without copying records twice.
type InMemoryStore struct {
	mu         sync.RWMutex
	log        []TurnRecord
	bySubject  map[string][]int
	byConversa map[string][]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bySubject:  make(map[string][]int),
		byConversa: make(map[string][]int),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.log)
	s.log = append(s.log, record)
	s.bySubject[record.SubjectID] = append(s.bySubject[record.SubjectID], idx)
	if record.ConversationID != "" {
		s.byConversa[record.ConversationID] = append(s.byConversa[record.ConversationID], idx)
	}
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, subjectID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.bySubject[subjectID], limit), nil
}

func (s *InMemoryStore) ConversationTurns(_ context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byConversa[conversationID], limit), nil
}

// collect resolves the newest index entries into records, oldest first.
// Callers hold at least the read lock.
func (s *InMemoryStore) collect(idxs []int, limit int) []TurnRecord {
	if len(idxs) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(idxs) {
		limit = len(idxs)
	}
	out := make([]TurnRecord, 0, limit)
	for _, i := range idxs[len(idxs)-limit:] {
		out = append(out, s.log[i])
	}
	return out
}

func (s *InMemoryStore) Close() error { return nil }
