package metrics

import (
	"runtime"
	"time"
)

// SetMembers replaces the per-status member gauge.
func (r *Registry) SetMembers(up, down, unknown int) {
	r.ClusterMembers.WithLabelValues("up").Set(float64(up))
	r.ClusterMembers.WithLabelValues("down").Set(float64(down))
	r.ClusterMembers.WithLabelValues("unknown").Set(float64(unknown))
}

// RecordProbeRound records one CheckAll call.
func (r *Registry) RecordProbeRound(reachable int, failed []string, duration time.Duration) {
	r.WitnessReachable.Set(float64(reachable))
	r.WitnessRoundDuration.Observe(duration.Seconds())
	for _, w := range failed {
		r.WitnessProbeFailures.WithLabelValues(w).Inc()
	}
}

// RecordFence records a finished fence invocation.
func (r *Registry) RecordFence(result string, lockWait, duration time.Duration) {
	r.FenceAttemptsTotal.WithLabelValues(result).Inc()
	r.FenceLockWait.Observe(lockWait.Seconds())
	if duration > 0 {
		r.FenceDuration.Observe(duration.Seconds())
	}
}

// RecordHTTPRequest records a served request.
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics samples runtime statistics.
func (r *Registry) UpdateSystemMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	r.UptimeSeconds.Set(time.Since(r.started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(ms.Alloc))
}
