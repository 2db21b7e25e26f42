package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instrumentation for the control server.
type Metrics struct {
	// SessionsActive is the current count of ready device sessions.
	SessionsActive prometheus.Gauge
	// Handshakes counts completed greeting handshakes by outcome.
	Handshakes *prometheus.CounterVec
	// SessionsRejected counts a handshake that never reached Ready,
	// broken down by reason: already_active, unknown_device, bad_cert.
	SessionsRejected *prometheus.CounterVec
	// StreamRequests counts RequestStream outcomes. Labels: outcome (success|failure|retry).
	StreamRequests *prometheus.CounterVec
}

var metrics *Metrics

// SetMetrics configures optional Prometheus metrics for the control server.
func SetMetrics(m *Metrics) {
	metrics = m
}

func incHandshake(outcome string) {
	if metrics == nil || metrics.Handshakes == nil {
		return
	}
	metrics.Handshakes.WithLabelValues(outcome).Inc()
}

func incSessionRejected(reason string) {
	if metrics == nil || metrics.SessionsRejected == nil {
		return
	}
	metrics.SessionsRejected.WithLabelValues(reason).Inc()
}

func incStreamRequest(outcome string) {
	if metrics == nil || metrics.StreamRequests == nil {
		return
	}
	metrics.StreamRequests.WithLabelValues(outcome).Inc()
}

func setSessionsActive(n int) {
	if metrics == nil || metrics.SessionsActive == nil {
		return
	}
	metrics.SessionsActive.Set(float64(n))
}

// NewMetrics builds a Metrics registered against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipcambox_sessions_active",
			Help: "Number of device sessions currently in the Ready state.",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipcambox_handshakes_total",
			Help: "Completed greeting handshakes by outcome.",
		}, []string{"outcome"}),
		SessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipcambox_sessions_rejected_total",
			Help: "Connections that never reached the Ready state, by reason.",
		}, []string{"reason"}),
		StreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipcambox_stream_requests_total",
			Help: "RequestStream outcomes.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.SessionsActive, m.Handshakes, m.SessionsRejected, m.StreamRequests)
	return m
}
