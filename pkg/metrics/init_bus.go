package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initBusMetrics() {
	r.BusMessagesSent = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_bus_messages_sent_total",
			Help: "Control messages broadcast by this node",
		},
		[]string{"type"},
	)

	r.BusMessagesReceived = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_bus_messages_received_total",
			Help: "Control messages received from peers",
		},
		[]string{"type"},
	)

	r.BusMessagesDropped = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_bus_messages_dropped_total",
			Help: "Inbound messages discarded before reaching a handler",
		},
		[]string{"reason"}, // auth, decode, invalid, unknown_type, replay
	)
}
