package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine collectors. Registered explicitly from the composition root (no init()).
var (
	// BatchSize observes the number of work items per closed change batch.
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "catalogsync",
		Name:      "batch_size",
		Help:      "Work items per closed change batch",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	// BatchLatency observes end-to-end batch evaluation latency in seconds.
	BatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "catalogsync",
		Name:      "batch_latency_seconds",
		Help:      "Batch evaluation latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// CandidateFilters observes the candidate filter count per evaluated work item.
	CandidateFilters = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "catalogsync",
		Name:      "candidate_filters",
		Help:      "Candidate filters per evaluated content change",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// BackendCallDuration observes matching backend call latency per backend.
	BackendCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "catalogsync",
		Name:      "backend_call_duration_seconds",
		Help:      "Matching backend call latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"backend"})

	// BackendErrors counts matching backend call failures per backend.
	BackendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalogsync",
		Name:      "backend_errors_total",
		Help:      "Matching backend call failures",
	}, []string{"backend"})

	// IndexDrift counts index writes that failed and left the search index
	// lagging membership.
	IndexDrift = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "catalogsync",
		Name:      "index_drift_total",
		Help:      "Search index writes that failed, leaving the index behind membership",
	})

	// StalledBatches counts batches that exhausted their retry budget.
	StalledBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "catalogsync",
		Name:      "stalled_batches_total",
		Help:      "Change batches abandoned after exhausting retries",
	})

	// MalformedFilters tracks filters currently flagged as malformed.
	MalformedFilters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "catalogsync",
		Name:      "malformed_filters",
		Help:      "Filters currently failing static analysis (matching nothing)",
	})

	// AuditInconsistencies counts attribute-index entries found inconsistent
	// by the periodic self-audit.
	AuditInconsistencies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "catalogsync",
		Name:      "attrindex_inconsistencies_total",
		Help:      "Attribute-index entries found inconsistent by the self-audit",
	})
)

// RegisterEngineMetrics registers all engine collectors with the default registry.
func RegisterEngineMetrics() {
	prometheus.MustRegister(
		BatchSize,
		BatchLatency,
		CandidateFilters,
		BackendCallDuration,
		BackendErrors,
		IndexDrift,
		StalledBatches,
		MalformedFilters,
		AuditInconsistencies,
	)
}
