package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initArbitrationMetrics() {
	r.ArbitrationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_arbitrations_total",
			Help: "Completed arbitrations by verdict",
		},
		[]string{"verdict"}, // self-isolated, peer-dead, indeterminate
	)

	r.ArbitrationsCoalesced = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_arbitrations_coalesced_total",
			Help: "Peer-down events folded into an outstanding arbitration",
		},
	)

	r.ArbitrationsAbandoned = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_arbitrations_abandoned_total",
			Help: "Probe rounds whose result was discarded after being superseded",
		},
	)

	r.ArbitrationsInFlight = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_arbitrations_in_flight",
			Help: "Probe rounds currently running",
		},
	)

	r.SelfIsolationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_self_isolations_total",
			Help: "Step-down signals raised by this node",
		},
		[]string{"source"}, // probe, notification
	)

	r.UnfencedPeers = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_unfenced_peers",
			Help: "Peers presumed dead whose fencing failed",
		},
	)

	r.ClaimsAppliedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_claims_applied_total",
			Help: "Resource claims applied to the claim table",
		},
	)

	r.ClaimsReleasedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_claims_released_total",
			Help: "Resource groups released by this node on self-isolation",
		},
	)

	r.OwnedResourceGroups = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_owned_resource_groups",
			Help: "Resource groups currently claimed by this node",
		},
	)
}
