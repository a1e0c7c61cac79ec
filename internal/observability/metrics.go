package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client.
type Metrics struct {
	ConversationActive prometheus.Gauge
	StateTransitions   *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	ReconnectAttempts  prometheus.Counter
	VADInterruptions   prometheus.Counter
	UtterancesSent     prometheus.Counter
	UtteranceDuration  prometheus.Histogram
	PlaybackResults    *prometheus.CounterVec
	PingLatency        prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConversationActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_active",
			Help:      "1 while a conversation session is open.",
		}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Conversation state machine transitions.",
		}, []string{"from", "to"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ReconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnection attempts after abnormal closures.",
		}),
		VADInterruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_interruptions_total",
			Help:      "Barge-ins where voice activity cancelled playback.",
		}),
		UtterancesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_sent_total",
			Help:      "Finalized utterances transmitted to the processor.",
		}),
		UtteranceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_ms",
			Help:      "Duration of finalized utterances in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		PlaybackResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_results_total",
			Help:      "Playback outcomes: completed, cancelled, failed.",
		}, []string{"result"}),
		PingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_latency_ms",
			Help:      "Keepalive round-trip latency in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 200, 400, 800, 1600},
		}),
	}
}

func (m *Metrics) ObservePingLatency(d time.Duration) {
	m.PingLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveUtteranceDuration(d time.Duration) {
	m.UtteranceDuration.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
