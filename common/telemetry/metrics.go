package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UnpackedObjectsTotal counts objects forwarded after unpacking
	UnpackedObjectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fact_unpacked_objects_total",
		Help: "Total number of objects forwarded by the unpacking scheduler",
	})

	// UnpackFailuresTotal counts extraction failures by reason
	UnpackFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fact_unpack_failures_total",
		Help: "Total number of objects whose extraction failed",
	}, []string{"reason"})

	// UnpackQueueLength is the number of objects waiting to be unpacked
	UnpackQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fact_unpack_queue_length",
		Help: "Objects waiting for an unpacking worker",
	})

	// AnalysisRunsTotal counts plugin runs by outcome
	AnalysisRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fact_analysis_runs_total",
		Help: "Total number of plugin runs",
	}, []string{"plugin", "status"})

	// AnalysisCacheHitsTotal counts plugin runs skipped because a current result existed
	AnalysisCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fact_analysis_cache_hits_total",
		Help: "Plugin runs skipped thanks to an existing result",
	}, []string{"plugin"})

	// AnalysisDurationSeconds is the histogram of plugin run time
	AnalysisDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fact_analysis_duration_seconds",
		Help:    "Histogram of plugin run time in seconds",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"plugin"})

	// AnalysisQueueLength is the number of dispatched, unfinished plugin runs
	AnalysisQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fact_analysis_queue_length",
		Help: "Plugin runs waiting for or held by a worker",
	})

	// DeferredDeletionsTotal counts deletions postponed by an unpacking lock
	DeferredDeletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fact_deferred_deletions_total",
		Help: "File deletions postponed because the file was being unpacked",
	})

	// IntercomRequestsTotal counts handled intercom messages per topic
	IntercomRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fact_intercom_requests_total",
		Help: "Intercom messages handled by the backend",
	}, []string{"topic", "status"})
)
