package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_research_runs_started_total",
			Help: "Total number of research runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_runs_completed_total",
			Help: "Total number of research runs finished, by outcome",
		},
		[]string{"outcome"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shannon_research_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	RunNotes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shannon_research_run_notes",
			Help:    "Accumulated notes per completed run",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		},
	)

	// Supervisor metrics
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_supervisor_decisions_total",
			Help: "Supervisor decisions by verdict",
		},
		[]string{"verdict"},
	)

	GuardsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_supervisor_guards_total",
			Help: "Heuristic guards that rejected a decision",
		},
		[]string{"guard"},
	)

	// Dispatch metrics
	DispatchBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shannon_research_dispatch_batch_size",
			Help:    "Sub-tasks per dispatched batch",
			Buckets: []float64{1, 2, 3, 5, 8},
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shannon_research_dispatch_duration_seconds",
			Help:    "Wall time of a dispatched batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_worker_results_total",
			Help: "Worker results by status",
		},
		[]string{"status"},
	)

	// Provider metrics
	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_provider_retries_total",
			Help: "Provider calls retried after a rate-limit failure",
		},
		[]string{"operation"},
	)

	ProviderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_provider_failures_total",
			Help: "Provider calls that failed terminally",
		},
		[]string{"operation", "reason"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_research_provider_latency_seconds",
			Help:    "Completion provider request latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "status"},
	)

	ProviderRateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shannon_research_provider_ratelimit_wait_seconds",
			Help:    "Time spent waiting on the local request budget",
			Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_events_published_total",
			Help: "Run events published, by type",
		},
		[]string{"type"},
	)

	EventSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_event_sink_errors_total",
			Help: "Failures mirroring events to an external sink",
		},
		[]string{"sink"},
	)
)
