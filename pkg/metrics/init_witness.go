package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWitnessMetrics() {
	r.WitnessConfigured = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_witness_configured",
			Help: "Size of the current ping node set",
		},
	)

	r.WitnessReachable = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_witness_reachable",
			Help: "Witnesses reachable in the most recent probe round",
		},
	)

	r.WitnessRoundDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbiter_witness_round_duration_seconds",
			Help:    "Wall time of a complete probe round",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	r.WitnessProbeFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_witness_probe_failures_total",
			Help: "Probes that failed or did not finish within the round",
		},
		[]string{"witness"},
	)

	r.WitnessEmptySetDecision = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_witness_empty_set_decisions_total",
			Help: "Arbitrations resolved by the configured empty witness policy",
		},
	)
}
