package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the job scheduler. Using
// promauto for automatic registration with the default registry.
var (
	// --- Job metrics ---

	// JobsByStatus tracks the current number of in-memory jobs per status.
	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobserver",
			Subsystem: "jobs",
			Name:      "by_status",
			Help:      "Current number of jobs per status",
		},
		[]string{"pipeline_id", "status"},
	)

	// JobDuration tracks handler execution duration.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jobserver",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job handler invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		},
		[]string{"pipeline_id", "status"},
	)

	// RetriesTotal counts job retries by pipeline.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobserver",
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Total number of job retries",
		},
		[]string{"pipeline_id"},
	)

	// --- Scheduler metrics ---

	// QueueDepth tracks jobs waiting for a dispatch slot, per pipeline.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobserver",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of jobs queued awaiting dispatch",
		},
		[]string{"pipeline_id"},
	)

	// ActiveJobs tracks concurrently running handlers, per pipeline.
	ActiveJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobserver",
			Subsystem: "scheduler",
			Name:      "active_jobs",
			Help:      "Number of jobs currently executing",
		},
		[]string{"pipeline_id"},
	)

	// --- Store metrics ---

	// StoreDegraded reports 1 when a pipeline's store is in degraded mode.
	StoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobserver",
			Subsystem: "store",
			Name:      "degraded",
			Help:      "1 when the job store is in degraded write-queue mode",
		},
	)

	// StoreQueuedWrites tracks writes pending flush while degraded.
	StoreQueuedWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobserver",
			Subsystem: "store",
			Name:      "queued_writes",
			Help:      "Number of writes buffered while the store is degraded",
		},
	)

	// --- Secrets breaker metrics ---

	// BreakerState exposes the secrets breaker's state as a gauge: 0=closed, 1=half-open, 2=open.
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobserver",
			Subsystem: "secrets",
			Name:      "breaker_state",
			Help:      "Secrets breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// --- Git workflow metrics ---

	// GitWorkflowOutcomes counts git workflow terminal outcomes.
	GitWorkflowOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobserver",
			Subsystem: "git",
			Name:      "workflow_outcomes_total",
			Help:      "Total git workflow outcomes by result",
		},
		[]string{"result"}, // pr_opened, no_changes, push_failed, pr_failed
	)

	// --- Activity metrics ---

	// ActivitySubscribers tracks current websocket subscriber count.
	ActivitySubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobserver",
			Subsystem: "activity",
			Name:      "subscribers",
			Help:      "Number of currently connected activity stream subscribers",
		},
	)
)

// RecordJob records metrics for a completed job.
func RecordJob(pipelineID, status string, durationSeconds float64) {
	JobDuration.WithLabelValues(pipelineID, status).Observe(durationSeconds)
}

// RecordRetry records a job retry for a pipeline.
func RecordRetry(pipelineID string) {
	RetriesTotal.WithLabelValues(pipelineID).Inc()
}

// RecordGitOutcome records one git workflow terminal outcome.
func RecordGitOutcome(result string) {
	GitWorkflowOutcomes.WithLabelValues(result).Inc()
}
