package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ClusterMembers = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_cluster_members",
			Help: "Number of known peers by status",
		},
		[]string{"status"}, // up, down, unknown
	)

	r.ClusterPeerChangesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_cluster_peer_changes_total",
			Help: "Normalized peer transitions forwarded to the arbiter",
		},
		[]string{"change"}, // lost, gained
	)

	r.ClusterLinkDegradations = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_cluster_link_degradations_total",
			Help: "Link failures that left at least one other link to the peer up",
		},
	)
}
