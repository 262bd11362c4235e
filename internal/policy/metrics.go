package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_policy_evaluations_total",
			Help: "Total number of ticket policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inspector_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_policy_errors_total",
			Help: "Total number of policy load or evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	// Dry-run tickets that enforcement would have blocked
	policyDryRunDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inspector_policy_dry_run_would_deny_total",
			Help: "Dry-run evaluations where enforce mode would have denied the ticket",
		},
	)

	policyLoadTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inspector_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
	)

	policyCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inspector_policy_files_loaded",
			Help: "Number of policy files currently loaded",
		},
	)
)
