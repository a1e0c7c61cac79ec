// Package httpapi exposes the local control surface for the voice daemon:
// conversation lifecycle commands, status, transcript, and observability
// endpoints. It binds to localhost by default and carries no auth.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jllobera/shopvoice/internal/config"
	"github.com/jllobera/shopvoice/internal/memory"
	"github.com/jllobera/shopvoice/internal/observability"
	"github.com/jllobera/shopvoice/internal/voice"
)

var errEmptyBody = errors.New("empty request body")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Orchestrator is the conversation surface the control API drives.
type Orchestrator interface {
	Start(ctx context.Context, subjectID string) error
	StopPlayback(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	Discard(ctx context.Context) error
	Hangup(ctx context.Context) error
	RequestStats(ctx context.Context) error
	Status(ctx context.Context) (voice.Status, error)
}

type Server struct {
	cfg     config.Config
	orch    Orchestrator
	store   memory.Store
	latency *observability.LatencyWindow
}

func New(cfg config.Config, orch Orchestrator, store memory.Store, latency *observability.LatencyWindow) *Server {
	return &Server{cfg: cfg, orch: orch, store: store, latency: latency}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/conversation/start", s.handleStart)
	r.Post("/v1/conversation/stop", s.handleStop)
	r.Post("/v1/conversation/mute", s.command(s.orch.Mute))
	r.Post("/v1/conversation/unmute", s.command(s.orch.Unmute))
	r.Post("/v1/conversation/discard", s.command(s.orch.Discard))
	r.Post("/v1/conversation/hangup", s.command(s.orch.Hangup))
	r.Post("/v1/conversation/stats", s.command(s.orch.RequestStats))
	r.Get("/v1/conversation/status", s.handleStatus)
	r.Get("/v1/conversation/latency", s.handleLatency)
	r.Get("/v1/conversation/transcript", s.handleTranscript)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"state":      st.State,
		"connection": st.Connection,
	})
}

type startRequest struct {
	SubjectID string `json:"subject_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		req.SubjectID = s.cfg.SubjectID
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		respondError(w, http.StatusBadRequest, "missing_subject_id", "subject_id is required")
		return
	}

	if err := s.orch.Start(r.Context(), req.SubjectID); err != nil {
		if errors.Is(err, voice.ErrConversationActive) {
			respondError(w, http.StatusConflict, "conversation_active", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":     "starting",
		"subject_id": req.SubjectID,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.command(s.orch.StopPlayback)(w, r)
}

// command adapts an orchestrator operation into a POST handler.
func (s *Server) command(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			if errors.Is(err, voice.ErrNoConversation) {
				respondError(w, http.StatusConflict, "no_conversation", err.Error())
				return
			}
			respondError(w, http.StatusInternalServerError, "command_failed", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	if s.latency == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be 1..500")
			return
		}
		limit = n
	}

	// A conversation_id narrows the transcript to one conversation;
	// otherwise the subject's full history is returned.
	if conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id")); conversationID != "" {
		turns, err := s.store.ConversationTurns(r.Context(), conversationID, limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"conversation_id": conversationID,
			"turns":           turns,
		})
		return
	}

	subjectID := strings.TrimSpace(r.URL.Query().Get("subject_id"))
	if subjectID == "" {
		subjectID = s.cfg.SubjectID
	}
	if subjectID == "" {
		respondError(w, http.StatusBadRequest, "missing_subject_id", "query parameter subject_id is required")
		return
	}

	turns, err := s.store.RecentTurns(r.Context(), subjectID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"turns":      turns,
	})
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
