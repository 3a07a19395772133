package alerts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	alertsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_alerts_sent_total",
		Help: "Failure streak webhook alerts delivered",
	})

	alertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_alerts_suppressed_total",
		Help: "Alerts suppressed by the cool-down window",
	})
)
