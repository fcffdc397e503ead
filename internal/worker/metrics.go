package worker

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	outcomeSucceeded = "succeeded"
	outcomeRequeued  = "requeued"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeLeaseLost = "lease_lost"
)

var (
	stepsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gradeflow_worker_steps_claimed_total",
			Help: "Total number of steps claimed by this process.",
		},
	)

	stepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradeflow_worker_step_outcomes_total",
			Help: "Total number of step executions by step name and outcome.",
		},
		[]string{"step", "outcome"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gradeflow_worker_step_duration_seconds",
			Help:    "Handler execution time per step, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	leasesSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gradeflow_worker_leases_swept_total",
			Help: "Total number of expired leases released back to the queue.",
		},
	)

	runsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradeflow_worker_runs_finalized_total",
			Help: "Total number of runs moved to a terminal status by this process.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(stepsClaimed)
	prometheus.MustRegister(stepOutcomes)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(leasesSwept)
	prometheus.MustRegister(runsFinalized)
}
