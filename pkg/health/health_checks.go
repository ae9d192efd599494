package health

import (
	"fmt"
	"time"
)

// WitnessCheck reports on the witness set. It is degraded when no witness
// is configured (the empty witness policy decides every arbitration) or
// when none answered the last probe round; the node may be isolated.
func WitnessCheck(get func() (configured, reachable int, probed bool)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "witnesses",
			Details: make(map[string]any),
		}

		configured, reachable, probed := get()
		check.Details["configured"] = configured
		if probed {
			check.Details["reachable_last_round"] = reachable
		}

		switch {
		case configured == 0:
			check.Status = StatusDegraded
			check.Message = "No witnesses configured"
		case !probed:
			check.Status = StatusHealthy
			check.Message = "No probe round yet"
		case reachable == 0:
			check.Status = StatusDegraded
			check.Message = "No witness reachable in last round"
		default:
			check.Status = StatusHealthy
			check.Message = fmt.Sprintf("%d of %d witnesses reachable", reachable, configured)
		}

		return check
	}
}

// FencingCheck is unhealthy while any peer presumed dead is unfenced.
func FencingCheck(unfenced func() []string) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "fencing",
			Details: make(map[string]any),
		}

		peers := unfenced()
		check.Details["unfenced"] = peers

		if len(peers) > 0 {
			check.Status = StatusUnhealthy
			check.Message = "Peer presumed dead but unfenced"
		} else {
			check.Status = StatusHealthy
			check.Message = "No unfenced peers"
		}

		return check
	}
}

// MembershipCheck reports peer counts. Down peers degrade the cluster but
// not this node.
func MembershipCheck(get func() (up, down, unknown int)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "membership",
			Details: make(map[string]any),
		}

		up, down, unknown := get()
		check.Details["up"] = up
		check.Details["down"] = down
		check.Details["unknown"] = unknown

		if down > 0 {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d peer(s) down", down)
		} else {
			check.Status = StatusHealthy
			check.Message = "All known peers up"
		}

		return check
	}
}

// LoopCheck reports whether the event loop is processing events.
func LoopCheck(running func() bool) CheckFunc {
	return func() Check {
		if running() {
			return Check{Name: "event_loop", Status: StatusHealthy, Message: "Running"}
		}
		return Check{Name: "event_loop", Status: StatusUnhealthy, Message: "Stopped"}
	}
}

// CertificateCheck degrades when the API certificate expires within warn
// and is unhealthy once it has expired or cannot be read.
func CertificateCheck(notAfter func() (time.Time, error), warn time.Duration) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "tls_certificate",
			Details: make(map[string]any),
		}

		expiry, err := notAfter()
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("Certificate unreadable: %v", err)
			return check
		}
		left := time.Until(expiry)
		check.Details["not_after"] = expiry
		check.Details["expires_in_hours"] = int(left.Hours())

		switch {
		case left <= 0:
			check.Status = StatusUnhealthy
			check.Message = "Certificate expired"
		case left < warn:
			check.Status = StatusDegraded
			check.Message = "Certificate expires soon"
		default:
			check.Status = StatusHealthy
			check.Message = "Certificate valid"
		}
		return check
	}
}
