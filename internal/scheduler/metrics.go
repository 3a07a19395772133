package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_scheduler_tick_duration_seconds",
		Help:    "Duration of materializer ticks",
		Buckets: prometheus.DefBuckets,
	})

	runsMaterialized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_runs_materialized_total",
		Help: "Workflow runs created from cron schedules",
	})

	occurrencesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_occurrences_skipped_total",
		Help: "Cron occurrences skipped for lack of a partition window",
	})

	enqueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_enqueue_failures_total",
		Help: "Materialized runs that could not be enqueued",
	})
)
