package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeRunners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_active_runners",
			Help: "Number of runners with an open subscription",
		},
	)

	poolThreads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_pool_threads",
			Help: "Size of the shared job handling pool",
		},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_runner_transitions_total",
			Help: "Runner lifecycle transitions by operation and result",
		},
		[]string{"operation", "result"},
	)
)
