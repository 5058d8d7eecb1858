package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_runs_total",
		Help: "Pipeline runs by terminal status",
	}, []string{"status"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mech_phase_duration_seconds",
		Help:    "Duration of pipeline phases",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
	}, []string{"phase", "outcome"})

	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_evaluations_total",
		Help: "Candidate x scenario evaluations by outcome (stored, skipped, failed)",
	}, []string{"outcome"})

	GenerationMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_generation_malformed_total",
		Help: "Generator outputs replaced by safe defaults",
	}, []string{"kind"})

	GenerationCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_generation_cost_usd_total",
		Help: "Accumulated generator cost in USD",
	}, []string{"provider", "phase"})

	GenerationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mech_generation_retries_total",
		Help: "Retries issued by the generator retry layer",
	})

	InvariantResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_snapshot_invariants_total",
		Help: "Snapshot invariant checks by result",
	}, []string{"type", "result"})

	BatchCostUSD = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mech_snapshot_batch_cost_usd",
		Help:    "Total cost of snapshot regression batches",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	BatchTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mech_snapshot_batch_truncated_total",
		Help: "Snapshot batches stopped by the cost ceiling",
	})
)
