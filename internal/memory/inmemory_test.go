package memory

import (
	"context"
	"testing"
)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	turns := []TurnRecord{
		{SubjectID: "5215550100", ConversationID: "c1", Role: "user", Content: "quiero leche"},
		{SubjectID: "5215550100", ConversationID: "c1", Role: "assistant", Content: "agregada al carrito"},
		{SubjectID: "5215550100", ConversationID: "c1", Role: "user", Content: "gracias"},
	}
	for _, turn := range turns {
		if err := s.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentTurns(ctx, "5215550100", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, turn := range got {
		if turn.Content != turns[i].Content {
			t.Fatalf("turn %d content = %q, want %q (order must be oldest first)", i, turn.Content, turns[i].Content)
		}
		if turn.ID == "" {
			t.Fatalf("turn %d missing generated id", i)
		}
		if turn.CreatedAt.IsZero() {
			t.Fatalf("turn %d missing created_at", i)
		}
	}
}

func TestInMemoryStoreLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.SaveTurn(ctx, TurnRecord{SubjectID: "x", Content: string(rune('a' + i))}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentTurns(ctx, "x", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Content != "d" || got[1].Content != "e" {
		t.Fatalf("limit should keep the most recent turns, got %q %q", got[0].Content, got[1].Content)
	}
}

func TestInMemoryStoreUnknownSubject(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.RecentTurns(context.Background(), "nobody", 5)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if got != nil {
		t.Fatalf("RecentTurns(unknown) = %v, want nil", got)
	}
}

func TestInMemoryStoreConversationTurns(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	// Two conversations for the same subject, interleaved in time.
	saves := []TurnRecord{
		{SubjectID: "5215550100", ConversationID: "c1", Role: "user", Content: "quiero pan"},
		{SubjectID: "5215550100", ConversationID: "c1", Role: "assistant", Content: "agregado"},
		{SubjectID: "5215550100", ConversationID: "c2", Role: "user", Content: "quiero cafe"},
		{SubjectID: "5215550100", ConversationID: "c1", Role: "user", Content: "nada mas"},
	}
	for _, turn := range saves {
		if err := s.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.ConversationTurns(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("ConversationTurns() error = %v", err)
	}
	want := []string{"quiero pan", "agregado", "nada mas"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, turn := range got {
		if turn.Content != want[i] {
			t.Fatalf("turn %d content = %q, want %q", i, turn.Content, want[i])
		}
		if turn.ConversationID != "c1" {
			t.Fatalf("turn %d conversation = %q, want c1", i, turn.ConversationID)
		}
	}

	// Subject history still sees all four turns.
	all, err := s.RecentTurns(ctx, "5215550100", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("subject history len = %d, want 4", len(all))
	}
}

func TestInMemoryStoreConversationTurnsLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.SaveTurn(ctx, TurnRecord{SubjectID: "x", ConversationID: "c9", Content: string(rune('a' + i))}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.ConversationTurns(ctx, "c9", 2)
	if err != nil {
		t.Fatalf("ConversationTurns() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Content != "d" || got[1].Content != "e" {
		t.Fatalf("limit should keep the most recent turns, got %q %q", got[0].Content, got[1].Content)
	}

	if turns, err := s.ConversationTurns(ctx, "nope", 5); err != nil || turns != nil {
		t.Fatalf("ConversationTurns(unknown) = %v, %v, want nil, nil", turns, err)
	}
}
