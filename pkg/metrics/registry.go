package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the arbiter exports. Each daemon owns one;
// tests create their own with NewRegistry so counters never leak between cases.
type Registry struct {
	// Membership
	ClusterMembers          *prometheus.GaugeVec
	ClusterPeerChangesTotal *prometheus.CounterVec
	ClusterLinkDegradations prometheus.Counter

	// Witness probing
	WitnessConfigured       prometheus.Gauge
	WitnessReachable        prometheus.Gauge
	WitnessRoundDuration    prometheus.Histogram
	WitnessProbeFailures    *prometheus.CounterVec
	WitnessEmptySetDecision prometheus.Counter

	// Arbitration
	ArbitrationsTotal     *prometheus.CounterVec
	ArbitrationsCoalesced prometheus.Counter
	ArbitrationsAbandoned prometheus.Counter
	ArbitrationsInFlight  prometheus.Gauge
	SelfIsolationsTotal   *prometheus.CounterVec
	UnfencedPeers         prometheus.Gauge
	ClaimsAppliedTotal    prometheus.Counter
	ClaimsReleasedTotal   prometheus.Counter
	OwnedResourceGroups   prometheus.Gauge

	// Fencing
	FenceAttemptsTotal    *prometheus.CounterVec
	FenceDuration         prometheus.Histogram
	FenceLockWait         prometheus.Histogram
	FenceInProgress       prometheus.Gauge
	FenceStaleLocksBroken prometheus.Counter

	// Message bus
	BusMessagesSent     *prometheus.CounterVec
	BusMessagesReceived *prometheus.CounterVec
	BusMessagesDropped  *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge

	registry *prometheus.Registry
	started  time.Time
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	r.initClusterMetrics()
	r.initWitnessMetrics()
	r.initArbitrationMetrics()
	r.initFencingMetrics()
	r.initBusMetrics()
	r.initHTTPMetrics()
	r.initSystemMetrics()

	return r
}

// Gatherer exposes the underlying registry for promhttp.
func (r *Registry) Gatherer() *prometheus.Registry {
	return r.registry
}
