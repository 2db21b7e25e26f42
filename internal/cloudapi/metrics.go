package cloudapi

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instrumentation for the cloud API client.
type Metrics struct {
	// UploadsSkipped counts uploads dropped because MaxConcurrentUploads
	// was already saturated, rather than issuing a network request.
	UploadsSkipped prometheus.Counter
}

var metrics *Metrics

// SetMetrics configures optional Prometheus metrics for the cloud client.
func SetMetrics(m *Metrics) {
	metrics = m
}

func incUploadSkipped() {
	if metrics == nil || metrics.UploadsSkipped == nil {
		return
	}
	metrics.UploadsSkipped.Inc()
}

// NewMetrics builds a Metrics registered against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UploadsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipcambox_cloud_uploads_skipped_total",
			Help: "Uploads dropped because the concurrency cap was already saturated.",
		}),
	}
	reg.MustRegister(m.UploadsSkipped)
	return m
}
