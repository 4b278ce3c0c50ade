package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "manual_obs"

// Metrics holds the Prometheus counters, histograms, and gauges for ingestion
// and reconciliation.
type Metrics struct {
	// Ingestion metrics.
	Submissions    *prometheus.CounterVec // labels: outcome={created,replayed,rejected,error}
	Rejections     *prometheus.CounterVec // labels: reason
	Decisions      *prometheus.CounterVec // labels: timeliness={on_time,late}
	SubmitDuration prometheus.Histogram

	// Reconciliation metrics.
	ReconcileMarked       prometheus.Counter
	ReconcileFailed       prometheus.Counter
	ReconcileErrors       prometheus.Counter
	ReconcilePassDuration prometheus.Histogram
	ReconcilerRunning     prometheus.Gauge

	// Directory cache metrics.
	DirectoryCache *prometheus.CounterVec // labels: kind={station,mappings,observer}, result={hit,miss}
}

func newMetrics() *Metrics {
	return &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submission attempts by outcome.",
		}, []string{"outcome"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected submissions by reason code.",
		}, []string{"reason"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Accepted schedule decisions by timeliness.",
		}, []string{"timeliness"}),
		SubmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Duration of a complete validate-and-commit cycle.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ReconcileMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_marked_total",
			Help:      "Submission records marked processed.",
		}),
		ReconcileFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_failed_total",
			Help:      "Submission records the downstream pipeline reported as failed.",
		}),
		ReconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_errors_total",
			Help:      "Reconciliation passes that ended in an error.",
		}),
		ReconcilePassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "Duration of one reconciliation pass over all station links.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ReconcilerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciler_running",
			Help:      "1 when the reconciliation loop is active, 0 when shut down.",
		}),
		DirectoryCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_cache_total",
			Help:      "Station directory cache lookups by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Submissions,
		m.Rejections,
		m.Decisions,
		m.SubmitDuration,
		m.ReconcileMarked,
		m.ReconcileFailed,
		m.ReconcileErrors,
		m.ReconcilePassDuration,
		m.ReconcilerRunning,
		m.DirectoryCache,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid "already
// registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
