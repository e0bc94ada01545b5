package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded per job.
const (
	OutcomeCompleted = "completed"
	OutcomeDeclared  = "declared_error"
	OutcomeFailed    = "technical_failure"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_jobs_total",
			Help: "Jobs handled by runner and outcome",
		},
		[]string{"runner", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stevedore_job_duration_seconds",
			Help:    "Runner execution time per job",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runner"},
	)
)

func recordJob(runner, outcome string, elapsed time.Duration) {
	jobsTotal.WithLabelValues(runner, outcome).Inc()
	jobDuration.WithLabelValues(runner).Observe(elapsed.Seconds())
}
