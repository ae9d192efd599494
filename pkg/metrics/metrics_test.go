package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()

	if r.ArbitrationsTotal == nil {
		t.Error("ArbitrationsTotal not initialized")
	}
	if r.FenceStaleLocksBroken == nil {
		t.Error("FenceStaleLocksBroken not initialized")
	}
	if r.BusMessagesDropped == nil {
		t.Error("BusMessagesDropped not initialized")
	}
	if r.Gatherer() == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	if DefaultRegistry() != DefaultRegistry() {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.ArbitrationsCoalesced.Inc()

	if got := counterValue(t, b.ArbitrationsCoalesced); got != 0 {
		t.Errorf("second registry counter = %v, want 0", got)
	}
}

func TestSetMembers(t *testing.T) {
	r := NewRegistry()
	r.SetMembers(3, 1, 2)

	for status, want := range map[string]float64{"up": 3, "down": 1, "unknown": 2} {
		if got := gaugeValue(t, r.ClusterMembers.WithLabelValues(status)); got != want {
			t.Errorf("members{status=%q} = %v, want %v", status, got, want)
		}
	}
}

func TestRecordProbeRound(t *testing.T) {
	r := NewRegistry()
	r.RecordProbeRound(1, []string{"10.0.0.2", "10.0.0.3"}, 40*time.Millisecond)
	r.RecordProbeRound(2, []string{"10.0.0.3"}, 10*time.Millisecond)

	if got := gaugeValue(t, r.WitnessReachable); got != 2 {
		t.Errorf("reachable = %v, want 2", got)
	}
	if got := counterValue(t, r.WitnessProbeFailures.WithLabelValues("10.0.0.3")); got != 2 {
		t.Errorf("failures for 10.0.0.3 = %v, want 2", got)
	}
}

func TestRecordFence(t *testing.T) {
	r := NewRegistry()
	r.RecordFence("OK", time.Second, 3*time.Second)
	r.RecordFence("lock_timeout", 30*time.Second, 0)

	if got := counterValue(t, r.FenceAttemptsTotal.WithLabelValues("OK")); got != 1 {
		t.Errorf("OK attempts = %v, want 1", got)
	}
	if got := counterValue(t, r.FenceAttemptsTotal.WithLabelValues("lock_timeout")); got != 1 {
		t.Errorf("lock_timeout attempts = %v, want 1", got)
	}
}

func TestGatherNames(t *testing.T) {
	r := NewRegistry()
	r.FenceStaleLocksBroken.Inc()
	r.UpdateSystemMetrics()

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"arbiter_fencing_stale_locks_broken_total",
		"arbiter_goroutines",
		"arbiter_uptime_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
