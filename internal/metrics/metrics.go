// Package metrics provides Prometheus metrics for trojan-relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "trojan_relay"
)

// Session kinds used as the "kind" label.
const (
	KindServer     = "server"
	KindForward    = "forward"
	KindUDPForward = "udp_forward"
	KindClient     = "client"
)

// Auth results used as the "result" label.
const (
	AuthAccepted = "accepted"
	AuthRejected = "rejected"
	AuthError    = "error"
)

// Metrics contains all Prometheus metrics for the relay. All Record methods
// are no-ops on a nil *Metrics.
type Metrics struct {
	// Session metrics
	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Data transfer metrics
	BytesTransferred *prometheus.CounterVec

	// Handshake and authentication
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	AuthResults      *prometheus.CounterVec
	FallbackTotal    prometheus.Counter

	// Outbound
	DialErrors *prometheus.CounterVec

	// UDP metrics
	UDPSessions         prometheus.Gauge
	UDPDatagrams        *prometheus.CounterVec
	UDPDatagramsDropped *prometheus.CounterVec

	// Service metrics
	AcceptErrors prometheus.Counter
	Reloads      *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		}, []string{"kind"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions started",
		}, []string{"kind"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session lifetime from accept to destroy",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		}, []string{"kind"}),

		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed by direction",
		}, []string{"direction"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tls_handshake_seconds",
			Help:      "TLS handshake latency",
			Buckets:   prometheus.DefBuckets,
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Failed handshakes by stage",
		}, []string{"stage"}),
		AuthResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Authentication attempts by result",
		}, []string{"result"}),
		FallbackTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Connections relayed to the fallback server",
		}),

		DialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Outbound dial failures by target kind",
		}, []string{"target"}),

		UDPSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_sessions",
			Help:      "Live entries in the UDP session table",
		}),
		UDPDatagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_total",
			Help:      "UDP datagrams relayed by direction",
		}, []string{"direction"}),
		UDPDatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "UDP datagrams dropped by reason",
		}, []string{"reason"}),

		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Listener accept failures",
		}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Certificate and credential reloads by result",
		}, []string{"what", "result"}),
	}
}

// RecordSessionStart records a session of kind being created.
func (m *Metrics) RecordSessionStart(kind string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(kind).Inc()
	m.SessionsTotal.WithLabelValues(kind).Inc()
}

// RecordSessionEnd records a session of kind being destroyed.
func (m *Metrics) RecordSessionEnd(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(kind).Dec()
	m.SessionDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordBytes records relayed traffic.
func (m *Metrics) RecordBytes(upload, download uint64) {
	if m == nil {
		return
	}
	m.BytesTransferred.WithLabelValues("upload").Add(float64(upload))
	m.BytesTransferred.WithLabelValues("download").Add(float64(download))
}

// RecordHandshake records a completed TLS handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failure in the tls or header stage.
func (m *Metrics) RecordHandshakeError(stage string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(stage).Inc()
}

// RecordAuth records an authentication outcome.
func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.AuthResults.WithLabelValues(result).Inc()
}

// RecordFallback records a connection handed to the fallback server.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.FallbackTotal.Inc()
}

// RecordDialError records an outbound dial failure.
func (m *Metrics) RecordDialError(target string) {
	if m == nil {
		return
	}
	m.DialErrors.WithLabelValues(target).Inc()
}

// SetUDPSessions sets the UDP table size.
func (m *Metrics) SetUDPSessions(n int) {
	if m == nil {
		return
	}
	m.UDPSessions.Set(float64(n))
}

// RecordUDPDatagram records a relayed datagram; direction is "upload" or
// "download".
func (m *Metrics) RecordUDPDatagram(direction string) {
	if m == nil {
		return
	}
	m.UDPDatagrams.WithLabelValues(direction).Inc()
}

// RecordUDPDrop records a dropped datagram.
func (m *Metrics) RecordUDPDrop(reason string) {
	if m == nil {
		return
	}
	m.UDPDatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordAcceptError records a listener accept failure.
func (m *Metrics) RecordAcceptError() {
	if m == nil {
		return
	}
	m.AcceptErrors.Inc()
}

// RecordReload records a reload of what ("cert" or "auth").
func (m *Metrics) RecordReload(what string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Reloads.WithLabelValues(what, result).Inc()
}
