package cloudfolder

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instrumentation for cloud folder mirroring.
type Metrics struct {
	// ShrinkRuns counts ShrinkTo calls that found the folder over its cap
	// and issued a batch delete.
	ShrinkRuns prometheus.Counter
	// BatchDeletesIssued counts DeleteBatch calls made on behalf of a
	// folder shrink.
	BatchDeletesIssued prometheus.Counter
}

var metrics *Metrics

// SetMetrics configures optional Prometheus metrics for cloud folders.
func SetMetrics(m *Metrics) {
	metrics = m
}

func incShrinkRun() {
	if metrics == nil || metrics.ShrinkRuns == nil {
		return
	}
	metrics.ShrinkRuns.Inc()
}

func incBatchDeleteIssued() {
	if metrics == nil || metrics.BatchDeletesIssued == nil {
		return
	}
	metrics.BatchDeletesIssued.Inc()
}

// NewMetrics builds a Metrics registered against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ShrinkRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipcambox_folder_shrink_runs_total",
			Help: "Folder shrink passes that found the mirror over its byte cap.",
		}),
		BatchDeletesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipcambox_cloud_batch_deletes_total",
			Help: "DeleteBatch requests issued to shrink a folder mirror.",
		}),
	}
	reg.MustRegister(m.ShrinkRuns, m.BatchDeletesIssued)
	return m
}
