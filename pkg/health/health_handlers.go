package health

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves the general health document. Degraded still answers
// 200 so that load balancers keep the node.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.Check(), false)
	}
}

// ReadinessHandler returns an HTTP handler for readiness checks
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.CheckReadiness(), true)
	}
}

// LivenessHandler returns an HTTP handler for liveness checks
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.CheckLiveness(), true)
	}
}

// writeResponse maps status onto the HTTP code. strict probes are binary:
// anything but healthy is 503.
func writeResponse(w http.ResponseWriter, response Response, strict bool) {
	w.Header().Set("Content-Type", "application/json")

	code := http.StatusOK
	switch {
	case response.Status == StatusUnhealthy:
		code = http.StatusServiceUnavailable
	case strict && response.Status != StatusHealthy:
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)

	json.NewEncoder(w).Encode(response)
}
