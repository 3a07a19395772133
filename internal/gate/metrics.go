package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_gate_decisions_total",
			Help: "Gate admission decisions by outcome",
		},
		[]string{"outcome"},
	)

	triggerPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_gate_trigger_pauses_total",
		Help: "Trigger circuit breaker pauses installed",
	})
)
