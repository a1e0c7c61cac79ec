package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jllobera/shopvoice/internal/config"
	"github.com/jllobera/shopvoice/internal/memory"
	"github.com/jllobera/shopvoice/internal/session"
	"github.com/jllobera/shopvoice/internal/voice"
)

type fakeOrchestrator struct {
	startErr   error
	startedFor string
	calls      []string
	status     voice.Status
}

func (f *fakeOrchestrator) Start(_ context.Context, subjectID string) error {
	f.calls = append(f.calls, "start")
	f.startedFor = subjectID
	return f.startErr
}

func (f *fakeOrchestrator) StopPlayback(context.Context) error {
	f.calls = append(f.calls, "stop")
	return nil
}

func (f *fakeOrchestrator) Mute(context.Context) error {
	f.calls = append(f.calls, "mute")
	return nil
}

func (f *fakeOrchestrator) Unmute(context.Context) error {
	f.calls = append(f.calls, "unmute")
	return nil
}

func (f *fakeOrchestrator) Discard(context.Context) error {
	f.calls = append(f.calls, "discard")
	return nil
}

func (f *fakeOrchestrator) Hangup(context.Context) error {
	f.calls = append(f.calls, "hangup")
	return nil
}

func (f *fakeOrchestrator) RequestStats(context.Context) error {
	f.calls = append(f.calls, "stats")
	return nil
}

func (f *fakeOrchestrator) Status(context.Context) (voice.Status, error) {
	return f.status, nil
}

func newTestServer(t *testing.T, orch *fakeOrchestrator, store memory.Store) *httptest.Server {
	t.Helper()
	if store == nil {
		store = memory.NewInMemoryStore()
	}
	cfg := config.Config{SubjectID: "default-subject"}
	srv := New(cfg, orch, store, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	res, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return res
}

func TestStartConversation(t *testing.T) {
	orch := &fakeOrchestrator{}
	ts := newTestServer(t, orch, nil)

	res := postJSON(t, ts.URL+"/v1/conversation/start", map[string]string{"subject_id": "subject-42"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	if orch.startedFor != "subject-42" {
		t.Fatalf("started for = %q, want subject-42", orch.startedFor)
	}
}

func TestStartFallsBackToConfiguredSubject(t *testing.T) {
	orch := &fakeOrchestrator{}
	ts := newTestServer(t, orch, nil)

	res := postJSON(t, ts.URL+"/v1/conversation/start", nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	if orch.startedFor != "default-subject" {
		t.Fatalf("started for = %q, want default-subject", orch.startedFor)
	}
}

func TestStartConflictWhenActive(t *testing.T) {
	orch := &fakeOrchestrator{startErr: voice.ErrConversationActive}
	ts := newTestServer(t, orch, nil)

	res := postJSON(t, ts.URL+"/v1/conversation/start", map[string]string{"subject_id": "s"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestConversationCommands(t *testing.T) {
	tests := []struct {
		path string
		call string
	}{
		{"/v1/conversation/stop", "stop"},
		{"/v1/conversation/mute", "mute"},
		{"/v1/conversation/unmute", "unmute"},
		{"/v1/conversation/discard", "discard"},
		{"/v1/conversation/hangup", "hangup"},
		{"/v1/conversation/stats", "stats"},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			orch := &fakeOrchestrator{}
			ts := newTestServer(t, orch, nil)

			res := postJSON(t, ts.URL+tt.path, nil)
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
			}
			if len(orch.calls) != 1 || orch.calls[0] != tt.call {
				t.Fatalf("calls = %v, want [%s]", orch.calls, tt.call)
			}
		})
	}
}

func TestStatusReportsConversation(t *testing.T) {
	orch := &fakeOrchestrator{status: voice.Status{
		State:      voice.StateSpeaking,
		Connection: session.StateConnected,
		Muted:      true,
		Level:      120,
	}}
	ts := newTestServer(t, orch, nil)

	res, err := http.Get(ts.URL + "/v1/conversation/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got voice.Status
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.State != voice.StateSpeaking || !got.Muted || got.Level != 120 {
		t.Fatalf("status = %+v, want speaking/muted/level 120", got)
	}
}

func TestTranscriptReturnsStoredTurns(t *testing.T) {
	store := memory.NewInMemoryStore()
	err := store.SaveTurn(context.Background(), memory.TurnRecord{
		ID:             "turn-1",
		ConversationID: "conv-1",
		SubjectID:      "subject-9",
		Role:           "user",
		Content:        "quiero pan",
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveTurn() = %v", err)
	}
	ts := newTestServer(t, &fakeOrchestrator{}, store)

	res, err := http.Get(ts.URL + "/v1/conversation/transcript?subject_id=subject-9")
	if err != nil {
		t.Fatalf("GET transcript: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload struct {
		SubjectID string              `json:"subject_id"`
		Turns     []memory.TurnRecord `json:"turns"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if len(payload.Turns) != 1 || payload.Turns[0].Content != "quiero pan" {
		t.Fatalf("turns = %+v, want the stored turn", payload.Turns)
	}
}

func TestTranscriptFiltersByConversation(t *testing.T) {
	store := memory.NewInMemoryStore()
	for _, turn := range []memory.TurnRecord{
		{ConversationID: "conv-1", SubjectID: "subject-9", Role: "user", Content: "quiero pan"},
		{ConversationID: "conv-2", SubjectID: "subject-9", Role: "user", Content: "quiero cafe"},
		{ConversationID: "conv-2", SubjectID: "subject-9", Role: "assistant", Content: "agregado"},
	} {
		if err := store.SaveTurn(context.Background(), turn); err != nil {
			t.Fatalf("SaveTurn() = %v", err)
		}
	}
	ts := newTestServer(t, &fakeOrchestrator{}, store)

	res, err := http.Get(ts.URL + "/v1/conversation/transcript?conversation_id=conv-2")
	if err != nil {
		t.Fatalf("GET transcript: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload struct {
		ConversationID string              `json:"conversation_id"`
		Turns          []memory.TurnRecord `json:"turns"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if payload.ConversationID != "conv-2" {
		t.Fatalf("conversation_id = %q, want conv-2", payload.ConversationID)
	}
	if len(payload.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(payload.Turns))
	}
	if payload.Turns[0].Content != "quiero cafe" || payload.Turns[1].Content != "agregado" {
		t.Fatalf("turns = %+v, want only conv-2 in order", payload.Turns)
	}
}

func TestTranscriptRejectsBadLimit(t *testing.T) {
	ts := newTestServer(t, &fakeOrchestrator{}, nil)

	res, err := http.Get(ts.URL + "/v1/conversation/transcript?subject_id=s&limit=9999")
	if err != nil {
		t.Fatalf("GET transcript: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(body.Error, "limit") {
		t.Fatalf("error = %q, want mention of limit", body.Error)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &fakeOrchestrator{}, nil)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}
