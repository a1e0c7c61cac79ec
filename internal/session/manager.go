package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jllobera/shopvoice/internal/observability"
	"github.com/jllobera/shopvoice/internal/protocol"
	"github.com/jllobera/shopvoice/internal/reliability"
)

// Conn is the subset of *websocket.Conn the manager uses; tests substitute
// a scripted implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens websocket connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSDialer dials with the gorilla default dialer.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config tunes the session manager.
type Config struct {
	ServerURL        string
	TenantID         string
	AudioFormat      string
	Lang             string
	WantAudioReplies bool

	PingInterval         time.Duration
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.AudioFormat == "" {
		c.AudioFormat = "webm"
	}
	if c.Lang == "" {
		c.Lang = "es"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 3 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	return c
}

var ErrAlreadyConnected = errors.New("session already connected")

// Manager owns exactly one websocket connection to the shopping processor:
// protocol framing, keepalive, and linear-backoff reconnection. All inbound
// messages are decoded on a single read loop and delivered through Events()
// in receipt order.
type Manager struct {
	cfg     Config
	dialer  Dialer
	metrics *observability.Metrics
	latency *observability.LatencyWindow

	mu             sync.Mutex
	writeMu        sync.Mutex
	conn           Conn
	state          ConnectionState
	session        *Session
	subjectID      string
	closing        bool
	attempts       int
	reconnectTimer *time.Timer
	pingCancel     context.CancelFunc

	events chan any
}

func NewManager(cfg Config, dialer Dialer, metrics *observability.Metrics, latency *observability.LatencyWindow) *Manager {
	if dialer == nil {
		dialer = WSDialer{}
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		metrics: metrics,
		latency: latency,
		state:   StateDisconnected,
		events:  make(chan any, 64),
	}
}

// Events delivers decoded server messages and connection changes, strictly
// in receipt order.
func (m *Manager) Events() <-chan any { return m.events }

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the active session, nil when none.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Connect opens the websocket for the given subject. The session is not
// considered established until the server sends conversation_started.
func (m *Manager) Connect(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.subjectID = subjectID
	m.closing = false
	m.attempts = 0
	m.state = StateConnecting
	m.mu.Unlock()

	m.emit(ConnectionEvent{State: StateConnecting})
	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	subject := m.subjectID
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, m.endpointURL(subject))
	if err != nil {
		m.mu.Lock()
		m.state = StateError
		m.mu.Unlock()
		m.emit(ConnectionEvent{State: StateError})
		m.scheduleReconnect()
		return fmt.Errorf("dial conversation socket: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.conn = conn
	m.pingCancel = pingCancel
	m.mu.Unlock()

	go m.readLoop(conn)
	go m.pingLoop(pingCtx)
	return nil
}

func (m *Manager) endpointURL(subjectID string) string {
	u := fmt.Sprintf("%s/%s/v1/ws/shopping/%s",
		trimSlash(m.cfg.ServerURL),
		url.PathEscape(m.cfg.TenantID),
		url.PathEscape(subjectID),
	)
	return u + "?return_audio=" + strconv.FormatBool(m.cfg.WantAudioReplies)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Disconnect closes the socket with a normal closure. This is the only
// closure that never triggers reconnection; any pending reconnect timer is
// cancelled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	pingCancel := m.pingCancel
	m.conn = nil
	m.pingCancel = nil
	m.session = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if pingCancel != nil {
		pingCancel()
	}
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "hangup"))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	m.emit(ConnectionEvent{State: StateDisconnected})
}

// SendText transmits a typed user message.
func (m *Manager) SendText(text string) string {
	trackingID := uuid.NewString()
	m.send(protocol.TextMessage{Type: protocol.TypeMessage, Data: text, TrackingID: trackingID}, string(protocol.TypeMessage))
	return trackingID
}

// SendUtterance transmits one finalized audio utterance.
func (m *Manager) SendUtterance(audioBase64 string) string {
	trackingID := uuid.NewString()
	m.send(protocol.AudioMessage{
		Type:       protocol.TypeAudio,
		Data:       audioBase64,
		Format:     m.cfg.AudioFormat,
		Lang:       m.cfg.Lang,
		TrackingID: trackingID,
	}, string(protocol.TypeAudio))
	return trackingID
}

// SendPing transmits a keepalive message carrying the client clock.
func (m *Manager) SendPing() {
	m.send(protocol.PingMessage{
		Type:       protocol.TypePing,
		Timestamp:  time.Now().UTC().Format(protocol.TimestampLayout),
		TrackingID: uuid.NewString(),
	}, string(protocol.TypePing))
}

// SendStats requests server-side session statistics.
func (m *Manager) SendStats() {
	m.send(protocol.StatsMessage{Type: protocol.TypeStats, TrackingID: uuid.NewString()}, string(protocol.TypeStats))
}

func (m *Manager) send(msg any, kind string) {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || state != StateConnected {
		log.Printf("session: dropping %s while %s", kind, state)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("session: marshal %s: %v", kind, err)
		return
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		log.Printf("session: write %s: %v", kind, err)
		return
	}
	if m.metrics != nil {
		m.metrics.WSMessages.WithLabelValues("out", kind).Inc()
	}
}

func (m *Manager) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SendPing()
		}
	}
}

func (m *Manager) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(conn, err)
			return
		}
		m.dispatch(raw)
	}
}

func (m *Manager) handleReadError(conn Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection replaced this one; nothing to do.
		m.mu.Unlock()
		return
	}
	closing := m.closing
	pingCancel := m.pingCancel
	m.conn = nil
	m.pingCancel = nil
	m.session = nil
	m.mu.Unlock()

	if pingCancel != nil {
		pingCancel()
	}
	_ = conn.Close()

	if closing || isNormalClosure(err) {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.emit(ConnectionEvent{State: StateDisconnected})
		return
	}

	log.Printf("session: connection lost: %v", err)
	m.mu.Lock()
	m.state = StateError
	m.mu.Unlock()
	m.emit(ConnectionEvent{State: StateError})
	m.scheduleReconnect()
}

func isNormalClosure(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return !reliability.ShouldReconnectCloseCode(closeErr.Code)
	}
	return false
}

// scheduleReconnect arms a linear-backoff timer: base×1, base×2, ... up to
// ReconnectMaxAttempts, then gives up until the caller invokes Connect
// again explicitly.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if attempt > m.cfg.ReconnectMaxAttempts {
		m.state = StateDisconnected
		m.mu.Unlock()
		log.Printf("session: reconnect attempts exhausted (%d)", m.cfg.ReconnectMaxAttempts)
		m.emit(ConnectionEvent{State: StateDisconnected, Exhausted: true})
		return
	}
	delay := reliability.LinearBackoff(attempt, m.cfg.ReconnectBase)
	m.state = StateConnecting
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.mu.Unlock()
		if err := m.dial(context.Background()); err != nil {
			log.Printf("session: reconnect attempt %d failed: %v", attempt, err)
		}
	})
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ReconnectAttempts.Inc()
	}
	log.Printf("session: reconnect attempt %d in %s", attempt, delay)
	m.emit(ConnectionEvent{State: StateConnecting, Attempt: attempt})
}

// dispatch decodes one inbound frame and forwards it in receipt order.
func (m *Manager) dispatch(raw []byte) {
	msg, err := protocol.ParseServerMessage(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedType) {
			env, _ := msg.(protocol.Envelope)
			m.countIn(string(env.Type))
			m.emit(NoticeEvent{Type: string(env.Type)})
			return
		}
		log.Printf("session: malformed server message: %v", err)
		m.countIn("malformed")
		m.emit(ErrorEvent{Message: "malformed server message"})
		return
	}

	switch v := msg.(type) {
	case protocol.ConversationStarted:
		now := time.Now().UTC()
		m.mu.Lock()
		m.attempts = 0
		m.state = StateConnected
		m.session = &Session{
			ConversationID:   v.ConversationID,
			SubjectID:        m.subjectID,
			TenantID:         m.cfg.TenantID,
			WantAudioReplies: m.cfg.WantAudioReplies,
			StartedAt:        now,
		}
		s := *m.session
		m.mu.Unlock()
		m.countIn(string(protocol.TypeConversationStarted))
		m.emit(ConnectionEvent{State: StateConnected})
		m.emit(StartedEvent{Session: s})
	case protocol.Transcription:
		m.countIn(string(protocol.TypeTranscription))
		m.emit(TranscriptionEvent{Text: v.Text})
	case protocol.Reply:
		m.countIn(string(v.Type))
		m.emit(ReplyEvent{Reply: v})
	case protocol.Pong:
		m.countIn(string(protocol.TypePong))
		rtt, err := protocol.PongLatency(v)
		if err != nil {
			log.Printf("session: bad pong: %v", err)
			return
		}
		if m.metrics != nil {
			m.metrics.ObservePingLatency(rtt)
		}
		if m.latency != nil {
			m.latency.Observe(observability.StagePing, rtt)
		}
		m.emit(PongEvent{RTT: rtt})
	case protocol.ServerError:
		m.countIn(string(protocol.TypeError))
		m.emit(ErrorEvent{Message: v.Error})
	}
}

func (m *Manager) countIn(kind string) {
	if m.metrics != nil {
		m.metrics.WSMessages.WithLabelValues("in", kind).Inc()
	}
}

func (m *Manager) emit(evt any) {
	select {
	case m.events <- evt:
	default:
		// The orchestrator has stalled; dropping the newest event is the
		// only option that keeps receipt order intact for the rest.
		log.Printf("session: event buffer full, dropping %T", evt)
	}
}
