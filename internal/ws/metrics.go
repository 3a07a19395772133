package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_ws_connections",
		Help: "Live websocket event stream connections",
	})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_ws_messages_sent_total",
		Help: "Frames written to websocket clients",
	}, []string{"type"})
)
