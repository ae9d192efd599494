package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initFencingMetrics() {
	r.FenceAttemptsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_fencing_attempts_total",
			Help: "Fence invocations by result",
		},
		[]string{"result"}, // OK, badhost, bad, n_stnth, lock_timeout
	)

	r.FenceDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbiter_fencing_duration_seconds",
			Help:    "Duration of fence invocations, excluding lock wait",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	r.FenceLockWait = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbiter_fencing_lock_wait_seconds",
			Help:    "Time spent waiting for a fencing channel lock",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 15, 30, 60},
		},
	)

	r.FenceInProgress = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_fencing_in_progress",
			Help: "Fence invocations currently holding a channel lock",
		},
	)

	r.FenceStaleLocksBroken = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_fencing_stale_locks_broken_total",
			Help: "Channel lockfiles removed because their holder was gone",
		},
	)
}
