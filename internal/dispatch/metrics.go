package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Step outcome labels.
const (
	stepCompleted = "completed"
	stepMemoized  = "memoized"
	stepFailed    = "failed"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewbot_runs_total",
			Help: "Workflow runs by the state they left this process in",
		},
		[]string{"function", "status"},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewbot_steps_total",
			Help: "Workflow steps by outcome (completed, memoized, failed)",
		},
		[]string{"function", "status"},
	)

	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewbot_step_retries_total",
			Help: "Step attempts that failed and were retried",
		},
		[]string{"function"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewbot_run_duration_seconds",
			Help:    "Wall time of a run execution",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"function"},
	)

	runsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reviewbot_runs_in_flight",
			Help: "Runs currently executing",
		},
		[]string{"function"},
	)
)
