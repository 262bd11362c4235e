package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_sessions_started_total",
			Help: "Total number of inspection sessions started",
		},
		[]string{"mode"}, // run|resume
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_sessions_completed_total",
			Help: "Total number of inspection sessions finished",
		},
		[]string{"status"},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inspector_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_stage_failures_total",
			Help: "Stages that returned an error or panicked",
		},
		[]string{"stage"},
	)

	StageCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_stage_cost_usd_total",
			Help: "Model spend attributed to each stage",
		},
		[]string{"stage"},
	)

	// Model call metrics
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_model_calls_total",
			Help: "Model calls by tier, task and outcome",
		},
		[]string{"tier", "task", "status"},
	)

	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inspector_model_call_duration_seconds",
			Help:    "Model call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"tier"},
	)

	ModelTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_model_tokens_total",
			Help: "Tokens consumed by direction",
		},
		[]string{"tier", "direction"}, // input|output
	)

	ModelCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_model_cost_usd_total",
			Help: "Model spend in USD by tier",
		},
		[]string{"tier"},
	)

	UnroutedTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_unrouted_tasks_total",
			Help: "Tasks that fell back to the default tier",
		},
		[]string{"task"},
	)

	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_pricing_fallback_total",
			Help: "Number of times pricing used built-in rates",
		},
		[]string{"reason"},
	)

	// Fallback chain metrics
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_fallback_attempts_total",
			Help: "Attempts made by the fallback chain executor",
		},
		[]string{"tier", "status"},
	)

	FallbackUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_fallback_used_total",
			Help: "Calls that succeeded on a tier other than the primary",
		},
		[]string{"primary", "served_by"},
	)

	ChainsExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_fallback_exhausted_total",
			Help: "Calls where every tier in the chain failed",
		},
		[]string{"task"},
	)

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inspector_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the per-tier limiter",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"tier"},
	)

	// Compaction metrics
	Compactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_compactions_total",
			Help: "Conversation compactions by outcome",
		},
		[]string{"status"},
	)

	CompactionTokensSaved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inspector_compaction_tokens_saved",
			Help:    "Estimated tokens removed by one compaction",
			Buckets: []float64{100, 1000, 5000, 20000, 50000, 100000},
		},
	)

	// Batch metrics
	BatchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inspector_batch_inflight",
			Help: "Batch worker invocations currently running",
		},
	)

	BatchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_batch_items_total",
			Help: "Batch items processed by outcome",
		},
		[]string{"status"},
	)

	// Error aggregation
	ErrorsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_errors_total",
			Help: "Errors reported to the aggregator by type",
		},
		[]string{"type"},
	)

	// Checkpoints
	CheckpointOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_checkpoint_operations_total",
			Help: "Checkpoint store operations",
		},
		[]string{"backend", "op", "status"},
	)

	// Tickets
	TicketsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_tickets_total",
			Help: "Ticket creation outcomes",
		},
		[]string{"status"}, // created|denied|failed
	)

	// Crawler
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_pages_fetched_total",
			Help: "Pages fetched by status class",
		},
		[]string{"status"},
	)
)
