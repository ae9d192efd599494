// Package health reports whether the arbiter can still do its job: whether
// witnesses answer, whether every peer presumed dead was fenced and whether
// the event loop is alive.
package health

import (
	"time"
)

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: map[Probe]map[string]CheckFunc{
			ProbeHealth:    {},
			ProbeReadiness: {},
			ProbeLiveness:  {},
		},
		started: time.Now(),
		now:     time.Now,
	}
}

// Register adds check under name to each of the given probes. With no
// probes it is added to the general health endpoint only.
func (hc *HealthChecker) Register(name string, check CheckFunc, probes ...Probe) {
	if len(probes) == 0 {
		probes = []Probe{ProbeHealth}
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for _, p := range probes {
		hc.checks[p][name] = check
	}
}

// Check runs the general health checks
func (hc *HealthChecker) Check() Response {
	return hc.run(ProbeHealth)
}

// CheckReadiness runs the readiness checks
func (hc *HealthChecker) CheckReadiness() Response {
	return hc.run(ProbeReadiness)
}

// CheckLiveness runs the liveness checks
func (hc *HealthChecker) CheckLiveness() Response {
	return hc.run(ProbeLiveness)
}

func (hc *HealthChecker) run(p Probe) Response {
	hc.mu.RLock()
	checks := make(map[string]CheckFunc, len(hc.checks[p]))
	for name, fn := range hc.checks[p] {
		checks[name] = fn
	}
	hc.mu.RUnlock()

	now := hc.now()
	response := Response{
		Status:        StatusHealthy,
		Timestamp:     now,
		Checks:        make(map[string]Check, len(checks)),
		UptimeSeconds: now.Sub(hc.started).Seconds(),
	}

	for name, fn := range checks {
		start := time.Now()
		check := fn()
		if check.Name == "" {
			check.Name = name
		}
		check.LastChecked = start
		check.DurationMs = float64(time.Since(start).Microseconds()) / 1000

		response.Checks[name] = check

		// worst status wins
		if check.Status.rank() > response.Status.rank() {
			response.Status = check.Status
		}
	}

	return response
}
