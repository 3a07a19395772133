package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_bus_events_published_total",
			Help: "Total events published to the bus by type",
		},
		[]string{"type"},
	)

	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_bus_events_dropped_total",
		Help: "Total events dropped from full subscription queues",
	})
)
