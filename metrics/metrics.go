package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wsecho"

// Close reasons used as the "reason" label of SessionClosesTotal.
const (
	ReasonPeerClose      = "peer_close"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonFrameTooLarge  = "frame_too_large"
	ReasonShutdown       = "shutdown"
	ReasonTransportError = "transport_error"
	ReasonHandlerError   = "handler_error"
)

// Metrics groups the collectors of one server instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// SessionsActive is the number of sessions past the handshake that are
	// not yet closed.
	SessionsActive prometheus.Gauge
	// SessionsTotal counts successful handshakes.
	SessionsTotal prometheus.Counter
	// HandshakeFailuresTotal counts rejected WebSocket upgrades.
	HandshakeFailuresTotal prometheus.Counter
	// TLSHandshakeErrorsTotal counts connections dropped during the TLS handshake.
	TLSHandshakeErrorsTotal prometheus.Counter
	// MessagesReceivedTotal and MessagesSentTotal are labeled by message kind.
	MessagesReceivedTotal *prometheus.CounterVec
	MessagesSentTotal     *prometheus.CounterVec
	// MessageSizeBytes observes received application payload sizes.
	//
	// Buckets:
	// - 16 bytes to 1 MiB, the default maximum message size.
	MessageSizeBytes prometheus.Histogram
	// SessionClosesTotal is labeled by close reason.
	SessionClosesTotal *prometheus.CounterVec
	// SessionDurationSeconds observes the time between handshake and close.
	SessionDurationSeconds prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open WebSocket sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of WebSocket sessions opened.",
		}),
		HandshakeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of rejected WebSocket upgrade requests.",
		}),
		TLSHandshakeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_errors_total",
			Help:      "Total number of connections that failed the TLS handshake.",
		}),
		MessagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of application messages received, labeled by kind.",
		}, []string{"kind"}),
		MessagesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of application messages sent, labeled by kind.",
		}, []string{"kind"}),
		MessageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "Histogram of received message payload sizes.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 9),
		}),
		SessionClosesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Total number of closed sessions, labeled by reason.",
		}, []string{"reason"}),
		SessionDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of session lifetimes.",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 1800, 3600},
		}),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.HandshakeFailuresTotal,
		m.TLSHandshakeErrorsTotal,
		m.MessagesReceivedTotal,
		m.MessagesSentTotal,
		m.MessageSizeBytes,
		m.SessionClosesTotal,
		m.SessionDurationSeconds,
	)
	return m
}

// SessionOpened records a completed handshake.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a released session and how long it lived.
func (m *Metrics) SessionClosed(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionClosesTotal.WithLabelValues(reason).Inc()
	m.SessionDurationSeconds.Observe(lifetime.Seconds())
}

// HandshakeFailed records a rejected upgrade request.
func (m *Metrics) HandshakeFailed() {
	if m == nil {
		return
	}
	m.HandshakeFailuresTotal.Inc()
}

// TLSHandshakeFailed records a connection that failed the TLS handshake.
func (m *Metrics) TLSHandshakeFailed() {
	if m == nil {
		return
	}
	m.TLSHandshakeErrorsTotal.Inc()
}

// MessageReceived records an inbound data frame of size bytes.
func (m *Metrics) MessageReceived(kind string, size int) {
	if m == nil {
		return
	}
	m.MessagesReceivedTotal.WithLabelValues(kind).Inc()
	m.MessageSizeBytes.Observe(float64(size))
}

// MessageSent records an echoed data frame.
func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.MessagesSentTotal.WithLabelValues(kind).Inc()
}
