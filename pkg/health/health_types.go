package health

import (
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses from best to worst.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check is the result of one component check
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	DurationMs  float64        `json:"duration_ms"`
}

// CheckFunc performs a health check
type CheckFunc func() Check

// Probe selects which endpoint a check contributes to
type Probe int

const (
	ProbeHealth Probe = iota
	ProbeReadiness
	ProbeLiveness
)

// HealthChecker holds the registered checks of the daemon
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[Probe]map[string]CheckFunc
	started time.Time
	now     func() time.Time
}

// Response is the document served on the health endpoints
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks"`
	UptimeSeconds float64          `json:"uptime_seconds"`
}
