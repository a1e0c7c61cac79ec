// Package voice coordinates capture, session, and playback into one
// interruptible shopping conversation. All state lives in a single
// event-loop goroutine; capture frames, socket messages, playback results,
// and user commands are reduced there in arrival order.
package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jllobera/shopvoice/internal/archive"
	"github.com/jllobera/shopvoice/internal/capture"
	"github.com/jllobera/shopvoice/internal/memory"
	"github.com/jllobera/shopvoice/internal/observability"
	"github.com/jllobera/shopvoice/internal/playback"
	"github.com/jllobera/shopvoice/internal/policy"
	"github.com/jllobera/shopvoice/internal/protocol"
	"github.com/jllobera/shopvoice/internal/session"
)

// State is the user-visible conversation state.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StatePaused     State = "paused"
)

var (
	ErrNoConversation     = errors.New("no active conversation")
	ErrConversationActive = errors.New("conversation already active")
	ErrStopped            = errors.New("orchestrator stopped")
)

// CaptureEngine is the microphone-side surface the orchestrator drives.
type CaptureEngine interface {
	Init(ctx context.Context) error
	StartRecording() error
	Discard()
	StartContinuousVAD()
	StopContinuousVAD()
	HasVoiceDetected() bool
	Level() int
	Utterances() <-chan capture.Utterance
	Cleanup()
}

// SessionManager is the socket-side surface the orchestrator drives.
type SessionManager interface {
	Connect(ctx context.Context, subjectID string) error
	Disconnect()
	SendUtterance(audioBase64 string) string
	SendStats()
	Events() <-chan any
	State() session.ConnectionState
	Current() *session.Session
}

// Player plays one reply at a time and supports hard cancellation.
type Player interface {
	Play(ctx context.Context, base64Audio string) (<-chan playback.Result, error)
	Cancel()
}

// Config tunes the orchestrator loop.
type Config struct {
	// VADTick is the barge-in polling cadence while a reply is playing.
	VADTick time.Duration
	// TurnSaveTimeout bounds transcript writes so a slow store cannot
	// stall the conversation.
	TurnSaveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.VADTick <= 0 {
		c.VADTick = 16 * time.Millisecond
	}
	if c.TurnSaveTimeout <= 0 {
		c.TurnSaveTimeout = 3 * time.Second
	}
	return c
}

// Status is a point-in-time snapshot of the conversation.
type Status struct {
	State          State                   `json:"state"`
	Connection     session.ConnectionState `json:"connection"`
	Muted          bool                    `json:"muted"`
	Level          int                     `json:"level"`
	VoiceDetected  bool                    `json:"voice_detected"`
	Session        *session.Session        `json:"session,omitempty"`
	UtterancesSent int64                   `json:"utterances_sent"`
	Interruptions  int64                   `json:"interruptions"`
}

type task struct {
	fn   func() error
	done chan error
}

type Orchestrator struct {
	cfg      Config
	capture  CaptureEngine
	sessions SessionManager
	player   Player
	store    memory.Store
	archiver archive.Archiver
	metrics  *observability.Metrics
	latency  *observability.LatencyWindow

	tasks   chan task
	stopped chan struct{}

	// Loop-owned state. Read and written only by the run goroutine.
	runCtx         context.Context
	state          State
	muted          bool
	frozen         bool
	pendingStart   bool
	subjectID      string
	conversationID string
	utteranceSent  time.Time
	heldUtterance  *capture.Utterance
	playbackDone   <-chan playback.Result
	utterances     int64
	interruptions  int64
}

func NewOrchestrator(cfg Config, capture CaptureEngine, sessions SessionManager, player Player,
	store memory.Store, archiver archive.Archiver, metrics *observability.Metrics, latency *observability.LatencyWindow) *Orchestrator {
	if archiver == nil {
		archiver = archive.Noop{}
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		capture:  capture,
		sessions: sessions,
		player:   player,
		store:    store,
		archiver: archiver,
		metrics:  metrics,
		latency:  latency,
		tasks:    make(chan task),
		stopped:  make(chan struct{}),
		state:    StateIdle,
	}
}

// Run drives the conversation until ctx is cancelled. It must be running
// before any command is issued.
func (o *Orchestrator) Run(ctx context.Context) {
	o.runCtx = ctx
	ticker := time.NewTicker(o.cfg.VADTick)
	defer ticker.Stop()
	defer close(o.stopped)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case t := <-o.tasks:
			t.done <- t.fn()
		case u := <-o.capture.Utterances():
			o.handleUtterance(u)
		case evt := <-o.sessions.Events():
			o.handleSessionEvent(evt)
		case res := <-o.playbackDone:
			o.handlePlaybackResult(res)
		case <-ticker.C:
			o.handleTick()
		}
	}
}

// do executes fn inside the event loop and returns its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case o.tasks <- t:
	case <-o.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-o.stopped:
		return ErrStopped
	}
}

// Start opens the microphone and the conversation socket. The state
// advances to listening once the server acknowledges the conversation.
func (o *Orchestrator) Start(ctx context.Context, subjectID string) error {
	return o.do(ctx, func() error {
		if o.state != StateIdle || o.pendingStart {
			return ErrConversationActive
		}
		if err := o.capture.Init(o.runCtx); err != nil {
			return fmt.Errorf("microphone: %w", err)
		}
		o.subjectID = subjectID
		o.pendingStart = true
		if err := o.sessions.Connect(o.runCtx, subjectID); err != nil {
			// Reconnection may still bring the session up; the start
			// stays pending either way.
			return err
		}
		return nil
	})
}

// Mute latches the mute flag. While a reply is playing it takes effect at
// the natural end of playback; while listening it pauses immediately and
// drops the in-progress buffer.
func (o *Orchestrator) Mute(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.state == StateIdle {
			return ErrNoConversation
		}
		o.muted = true
		if o.state == StateListening {
			o.capture.Discard()
			o.setState(StatePaused)
		}
		return nil
	})
}

// Unmute clears the mute flag and resumes listening if paused.
func (o *Orchestrator) Unmute(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.state == StateIdle {
			return ErrNoConversation
		}
		o.muted = false
		if o.state == StatePaused {
			o.startRecording()
			o.setState(StateListening)
		}
		return nil
	})
}

// Discard drops the pending utterance buffer without any network traffic
// and returns to listening. The session stays open.
func (o *Orchestrator) Discard(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.state == StateIdle {
			return ErrNoConversation
		}
		if o.state == StateSpeaking {
			o.player.Cancel()
		}
		o.capture.Discard()
		o.heldUtterance = nil
		o.startRecording()
		o.setState(StateListening)
		return nil
	})
}

// Hangup terminates the conversation: playback cancelled, buffer dropped,
// session closed with a normal closure.
func (o *Orchestrator) Hangup(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.state == StateIdle {
			return ErrNoConversation
		}
		o.player.Cancel()
		o.capture.Discard()
		o.capture.StopContinuousVAD()
		o.sessions.Disconnect()
		o.endConversation()
		return nil
	})
}

// StopPlayback skips the rest of the current reply. Unlike a barge-in it
// respects a latched mute.
func (o *Orchestrator) StopPlayback(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.state == StateIdle {
			return ErrNoConversation
		}
		if o.state != StateSpeaking {
			return nil
		}
		o.player.Cancel()
		o.resumeAfterSpeech()
		return nil
	})
}

// RequestStats asks the server for session statistics.
func (o *Orchestrator) RequestStats(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.state == StateIdle {
			return ErrNoConversation
		}
		o.sessions.SendStats()
		return nil
	})
}

// Status reports the current conversation snapshot.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var st Status
	err := o.do(ctx, func() error {
		st = Status{
			State:          o.state,
			Connection:     o.sessions.State(),
			Muted:          o.muted,
			Level:          o.capture.Level(),
			VoiceDetected:  o.capture.HasVoiceDetected(),
			Session:        o.sessions.Current(),
			UtterancesSent: o.utterances,
			Interruptions:  o.interruptions,
		}
		return nil
	})
	return st, err
}

func (o *Orchestrator) handleUtterance(u capture.Utterance) {
	if o.state != StateListening {
		log.Printf("conversation: dropping utterance finalized while %s", o.state)
		return
	}
	if o.frozen {
		// The socket is down. The state holds and the audio is kept; it
		// goes out once reconnection succeeds. At most one utterance can
		// finalize per recording, so a single slot suffices.
		log.Printf("conversation: holding utterance until the connection is back")
		o.heldUtterance = &u
		return
	}
	o.transmitUtterance(u)
}

func (o *Orchestrator) transmitUtterance(u capture.Utterance) {
	payload := base64.StdEncoding.EncodeToString(u.PCM)
	trackingID := o.sessions.SendUtterance(payload)
	o.utteranceSent = time.Now()
	o.utterances++
	if o.metrics != nil {
		o.metrics.UtterancesSent.Inc()
		o.metrics.ObserveUtteranceDuration(u.Duration)
	}
	log.Printf("conversation: sent utterance %s (%.2fs)", trackingID, u.Duration.Seconds())
	o.archiveUtterance(u)
	o.setState(StateProcessing)
}

func (o *Orchestrator) archiveUtterance(u capture.Utterance) {
	conversationID := o.conversationID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		key, err := o.archiver.ArchiveUtterance(ctx, conversationID, u)
		if err != nil {
			log.Printf("conversation: archive utterance: %v", err)
			return
		}
		if key != "" {
			log.Printf("conversation: archived utterance as %s", key)
		}
	}()
}

func (o *Orchestrator) handleSessionEvent(evt any) {
	switch v := evt.(type) {
	case session.StartedEvent:
		o.handleStarted(v)
	case session.ReplyEvent:
		o.handleReply(v.Reply)
	case session.TranscriptionEvent:
		o.saveTurn("user", v.Text)
	case session.PongEvent:
		// Already recorded by the session manager.
	case session.NoticeEvent:
		log.Printf("conversation: server notice %q", v.Type)
	case session.ErrorEvent:
		log.Printf("conversation: server error: %s", v.Message)
	case session.ConnectionEvent:
		o.handleConnection(v)
	}
}

func (o *Orchestrator) handleStarted(evt session.StartedEvent) {
	o.conversationID = evt.Session.ConversationID

	switch {
	case o.pendingStart:
		o.pendingStart = false
		o.capture.StartContinuousVAD()
		o.startRecording()
		if o.metrics != nil {
			o.metrics.ConversationActive.Set(1)
		}
		o.setState(StateListening)
	case o.frozen:
		// The socket came back. Audio finalized during the outage goes
		// out first; otherwise the conversation resumes by listening.
		o.frozen = false
		if held := o.heldUtterance; held != nil {
			o.heldUtterance = nil
			o.transmitUtterance(*held)
			return
		}
		o.startRecording()
		o.setState(StateListening)
	}
}

func (o *Orchestrator) handleReply(reply protocol.Reply) {
	if text := reply.Text(); text != "" {
		o.saveTurn("assistant", text)
	}
	if o.latency != nil && !o.utteranceSent.IsZero() {
		o.latency.Observe(observability.StageReply, time.Since(o.utteranceSent))
	}

	if o.state != StateProcessing {
		// A reply landing after a discard or hangup still updates the
		// transcript, but must not hijack the current state.
		log.Printf("conversation: reply received while %s, playback skipped", o.state)
		return
	}

	audio := reply.AudioBase64()
	if audio == "" {
		o.resumeAfterSpeech()
		return
	}
	done, err := o.player.Play(o.runCtx, audio)
	if err != nil {
		log.Printf("conversation: play reply: %v", err)
		if o.metrics != nil {
			o.metrics.PlaybackResults.WithLabelValues("rejected").Inc()
		}
		o.resumeAfterSpeech()
		return
	}
	if o.latency != nil && !o.utteranceSent.IsZero() {
		o.latency.Observe(observability.StageFirstAudio, time.Since(o.utteranceSent))
	}
	o.playbackDone = done
	o.setState(StateSpeaking)
}

func (o *Orchestrator) handlePlaybackResult(res playback.Result) {
	o.playbackDone = nil
	if o.metrics != nil {
		o.metrics.PlaybackResults.WithLabelValues(res.Kind.String()).Inc()
	}
	switch res.Kind {
	case playback.Cancelled:
		// Barge-in or hangup already chose the next state.
		return
	case playback.Failed:
		log.Printf("conversation: playback failed: %v", res.Err)
	}
	if o.state != StateSpeaking {
		return
	}
	if o.frozen {
		// Hold the state until reconnection; the started event resumes
		// listening.
		return
	}
	o.resumeAfterSpeech()
}

// handleTick polls for barge-in. Voice activity matters only while a
// reply is playing; everywhere else the microphone is either already
// recording or intentionally off.
func (o *Orchestrator) handleTick() {
	if o.state != StateSpeaking || o.frozen {
		return
	}
	if !o.capture.HasVoiceDetected() {
		return
	}
	o.player.Cancel()
	// Interrupting the reply is an explicit request to talk; it overrides
	// any latched mute.
	o.muted = false
	o.startRecording()
	o.interruptions++
	if o.metrics != nil {
		o.metrics.VADInterruptions.Inc()
	}
	o.setState(StateListening)
}

func (o *Orchestrator) handleConnection(evt session.ConnectionEvent) {
	switch evt.State {
	case session.StateError, session.StateConnecting:
		if o.state != StateIdle && !o.pendingStart {
			o.frozen = true
		}
	case session.StateDisconnected:
		if evt.Exhausted {
			log.Printf("conversation: reconnection exhausted, ending conversation")
			if o.state != StateIdle {
				o.player.Cancel()
				o.capture.Discard()
				o.capture.StopContinuousVAD()
				o.endConversation()
			}
			o.pendingStart = false
			return
		}
		// A normal closure we did not initiate ends the conversation too.
		if o.state != StateIdle {
			o.player.Cancel()
			o.capture.Discard()
			o.capture.StopContinuousVAD()
			o.endConversation()
		}
	}
}

func (o *Orchestrator) resumeAfterSpeech() {
	if o.muted {
		o.setState(StatePaused)
		return
	}
	o.startRecording()
	o.setState(StateListening)
}

func (o *Orchestrator) startRecording() {
	if err := o.capture.StartRecording(); err != nil {
		log.Printf("conversation: start recording: %v", err)
	}
}

func (o *Orchestrator) endConversation() {
	o.muted = false
	o.frozen = false
	o.heldUtterance = nil
	o.conversationID = ""
	if o.metrics != nil {
		o.metrics.ConversationActive.Set(0)
	}
	o.setState(StateIdle)
}

func (o *Orchestrator) saveTurn(role, content string) {
	if o.store == nil || content == "" {
		return
	}
	redacted, changed := policy.RedactPII(content)
	rec := memory.TurnRecord{
		ID:             uuid.NewString(),
		ConversationID: o.conversationID,
		SubjectID:      o.subjectID,
		Role:           role,
		Content:        redacted,
		PIIRedacted:    changed,
		CreatedAt:      time.Now().UTC(),
	}
	timeout := o.cfg.TurnSaveTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := o.store.SaveTurn(ctx, rec); err != nil {
			log.Printf("conversation: save %s turn: %v", role, err)
		}
	}()
}

func (o *Orchestrator) setState(to State) {
	from := o.state
	if from == to {
		return
	}
	o.state = to
	if o.metrics != nil {
		o.metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	log.Printf("conversation: %s -> %s", from, to)
}

func (o *Orchestrator) shutdown() {
	if o.state != StateIdle {
		o.player.Cancel()
		o.capture.Discard()
		o.capture.StopContinuousVAD()
		o.sessions.Disconnect()
		o.endConversation()
	}
	o.capture.Cleanup()
}
