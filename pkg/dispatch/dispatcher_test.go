package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dd0wney/cluso-arbiter/pkg/arbiter"
	"github.com/dd0wney/cluso-arbiter/pkg/audit"
	"github.com/dd0wney/cluso-arbiter/pkg/cluster"
	"github.com/dd0wney/cluso-arbiter/pkg/fencing"
	"github.com/dd0wney/cluso-arbiter/pkg/message"
	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	d         *Dispatcher
	prober    *fakeProber
	fencer    *fakeFencer
	resources *fakeResources
	escalator *fakeEscalator
	bus       *fakeBus
	journal   *audit.Journal
	metrics   *metrics.Registry
	cancel    context.CancelFunc
	done      chan error
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, witnesses []string, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		prober:    &fakeProber{up: map[string]bool{}},
		fencer:    &fakeFencer{},
		resources: &fakeResources{},
		escalator: &fakeEscalator{},
		bus:       &fakeBus{},
		journal:   audit.NewJournal(128, nil),
		metrics:   metrics.NewRegistry(),
	}

	arb, err := arbiter.New(arbiter.Config{
		Self:         "node-a",
		Policy:       arbiter.AssumeIsolated,
		RoundTimeout: time.Second,
		ChannelFor: func(peer string) (string, bool) {
			return "channel1", true
		},
	}, nil, h.metrics)
	if err != nil {
		t.Fatalf("Failed to create arbiter: %v", err)
	}

	deps := Deps{
		Observer:  cluster.NewObserver("node-a", h.metrics),
		Arbiter:   arb,
		Prober:    h.prober,
		Fencer:    h.fencer,
		Resources: h.resources,
		Escalator: h.escalator,
		Bus:       h.bus,
		Journal:   h.journal,
		Metrics:   h.metrics,
	}
	for _, o := range opts {
		o(&deps)
	}

	h.d, err = New(Config{Witnesses: witnesses}, deps)
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.d.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })

	eventually(t, "dispatcher to start", func() bool { return h.d.Status().Running })
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
}

func (h *harness) nodeUp(t *testing.T, node string) {
	t.Helper()
	if err := h.d.SubmitNodeStatus(context.Background(), node, cluster.StatusUp); err != nil {
		t.Fatalf("SubmitNodeStatus(%s, up) failed: %v", node, err)
	}
}

func (h *harness) nodeDown(t *testing.T, node string) {
	t.Helper()
	if err := h.d.SubmitNodeStatus(context.Background(), node, cluster.StatusDown); err != nil {
		t.Fatalf("SubmitNodeStatus(%s, down) failed: %v", node, err)
	}
}

func (h *harness) submit(t *testing.T, from string, m *message.Message) {
	t.Helper()
	m.From = from
	if err := h.d.SubmitMessage(context.Background(), m); err != nil {
		t.Fatalf("SubmitMessage(%s) failed: %v", m.Type, err)
	}
}

func (h *harness) owner(group string) string {
	for _, c := range h.d.Status().Arbiter.Claims {
		if c.Group == group {
			return c.Owner
		}
	}
	return ""
}

func (h *harness) stepDowns() []string {
	sd, _ := h.resources.snapshot()
	return sd
}

// eventually polls cond until it holds or waitFor has passed.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(tick)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}, Deps{}); !errors.Is(err, ErrMissingDep) {
		t.Errorf("Expected ErrMissingDep, got %v", err)
	}
}

func TestStartAnnouncesJoinAndOwnGroups(t *testing.T) {
	h := newHarness(t, []string{"A", "B"})
	h.start(t)

	eventually(t, "join broadcast", func() bool { return len(h.bus.ofType(message.TypeJoin)) == 1 })
	claims := h.bus.ofType(message.TypeResourceClaim)
	if len(claims) != 1 {
		t.Fatalf("Expected 1 claim broadcast at start, got %d", len(claims))
	}
	c, err := message.Decode[message.ResourceClaim](claims[0])
	if err != nil {
		t.Fatal(err)
	}
	if c.Group != "node-a" || c.Owner != "node-a" {
		t.Errorf("Expected node-a to claim its own group, got %+v", c)
	}
}

// Peer X lost with witnesses A and B reachable: fence X on channel1,
// claim X's group and broadcast the claim and the fence result.
func TestPeerLostWithReachableWitnesses(t *testing.T) {
	h := newHarness(t, []string{"A", "B"})
	h.prober.set("A", true)
	h.prober.set("B", true)
	h.start(t)

	h.nodeUp(t, "node-x")
	h.nodeDown(t, "node-x")

	eventually(t, "fence result broadcast", func() bool {
		return len(h.bus.ofType(message.TypeFenceResult)) == 1
	})

	if got := h.fencer.recorded(); !reflect.DeepEqual(got, []fenceCall{{"node-x", "channel1"}}) {
		t.Errorf("Expected one fence of node-x on channel1, got %v", got)
	}
	if got := h.owner("node-x"); got != "node-a" {
		t.Errorf("Expected node-a to own node-x's group, got %q", got)
	}

	res, err := message.Decode[message.FenceResult](h.bus.ofType(message.TypeFenceResult)[0])
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != fencing.ResultOK {
		t.Errorf("Expected fence result %q, got %q", fencing.ResultOK, res.Result)
	}

	st := h.d.Status()
	if st.LastRound == nil {
		t.Fatal("Expected the last witness round in status")
	}
	if !reflect.DeepEqual(st.LastRound.Reachable, []string{"A", "B"}) {
		t.Errorf("Expected A and B reachable, got %v", st.LastRound.Reachable)
	}
	if sd := h.stepDowns(); len(sd) != 0 {
		t.Errorf("Expected no step-down, got %v", sd)
	}

	fences := h.journal.Events(&audit.Filter{Kind: audit.KindFence, Outcome: audit.OutcomeSuccess})
	if len(fences) != 1 {
		t.Errorf("Expected 1 successful fence journaled, got %d", len(fences))
	}
}

// Peer X lost with witnesses A and B unreachable: step down, no fence.
func TestPeerLostWithUnreachableWitnesses(t *testing.T) {
	h := newHarness(t, []string{"A", "B"})
	h.start(t)

	h.submit(t, "node-b", message.NewResourceClaim("node-c", "node-a"))
	h.nodeUp(t, "node-x")
	h.nodeDown(t, "node-x")

	eventually(t, "step-down", func() bool { return len(h.stepDowns()) == 1 })

	_, releases := h.resources.snapshot()
	if !reflect.DeepEqual(releases, [][]string{{"node-c"}}) {
		t.Errorf("Expected the foreign group node-c released, got %v", releases)
	}
	if got := h.fencer.recorded(); len(got) != 0 {
		t.Errorf("Expected no fence, got %v", got)
	}
	if got := h.owner("node-x"); got != "" {
		t.Errorf("Expected node-x's group unclaimed, got owner %q", got)
	}
	if got := h.d.Status().Arbiter.Isolations; got != 1 {
		t.Errorf("Expected 1 isolation, got %d", got)
	}

	isolations := h.journal.Events(&audit.Filter{Kind: audit.KindSelfIsolation})
	if len(isolations) != 1 {
		t.Errorf("Expected 1 self-isolation journaled, got %d", len(isolations))
	}
}

func TestLinkDegradationDoesNotArbitrate(t *testing.T) {
	h := newHarness(t, []string{"A"})
	h.prober.set("A", true)
	h.start(t)

	ctx := context.Background()
	for _, ev := range []LinkStatusEvent{
		{"node-x", "eth0", cluster.StatusUp},
		{"node-x", "eth1", cluster.StatusUp},
		{"node-x", "eth0", cluster.StatusDown},
	} {
		if err := h.d.SubmitLinkStatus(ctx, ev.Node, ev.Link, ev.Status); err != nil {
			t.Fatal(err)
		}
	}

	// a join after the degradation proves the loop has processed it
	h.submit(t, "node-b", message.NewJoin("node-b"))
	eventually(t, "join journaled", func() bool {
		return len(h.journal.Events(&audit.Filter{Kind: audit.KindJoin})) == 1
	})
	if n := h.prober.count(); n != 0 {
		t.Errorf("Expected no probe round on a single link loss, got %d", n)
	}

	if err := h.d.SubmitLinkStatus(ctx, "node-x", "eth1", cluster.StatusDown); err != nil {
		t.Fatal(err)
	}
	eventually(t, "fence after the last link", func() bool { return len(h.fencer.recorded()) == 1 })
	if n := h.prober.count(); n != 1 {
		t.Errorf("Expected 1 probe round, got %d", n)
	}
	if got := testutil.ToFloat64(h.metrics.ClusterLinkDegradations); got != 1 {
		t.Errorf("Expected 1 link degradation, got %v", got)
	}
}

func TestFenceFailureEscalatesUntilAcknowledged(t *testing.T) {
	h := newHarness(t, []string{"A"})
	h.prober.set("A", true)
	h.fencer.err = errors.Join(fencing.ErrDeviceFailure, errors.New("serial timeout"))
	h.start(t)

	h.nodeUp(t, "node-x")
	h.nodeDown(t, "node-x")

	eventually(t, "escalation", func() bool { return len(h.escalator.recorded()) == 1 })
	esc := h.escalator.recorded()[0]
	if esc.peer != "node-x" {
		t.Errorf("Expected escalation for node-x, got %s", esc.peer)
	}
	if !errors.Is(esc.cause, fencing.ErrDeviceFailure) {
		t.Errorf("Expected ErrDeviceFailure as cause, got %v", esc.cause)
	}

	eventually(t, "unfenced mark", func() bool { return len(h.d.Status().Arbiter.Unfenced) == 1 })

	ok, err := h.d.Acknowledge(context.Background(), "node-x")
	if err != nil || !ok {
		t.Fatalf("Expected acknowledgement to clear node-x, got %v, %v", ok, err)
	}
	if u := h.d.Status().Arbiter.Unfenced; len(u) != 0 {
		t.Errorf("Expected no unfenced peers, got %v", u)
	}

	ok, err = h.d.Acknowledge(context.Background(), "node-x")
	if err != nil || ok {
		t.Errorf("Expected second acknowledgement to find nothing, got %v, %v", ok, err)
	}
}

func TestMessageRouting(t *testing.T) {
	h := newHarness(t, []string{"A"})
	h.start(t)

	t.Run("ping-nodes replaces witness set", func(t *testing.T) {
		h.submit(t, "node-b", message.NewPingNodes([]string{"C", "D"}))
		eventually(t, "witness set C, D", func() bool {
			return reflect.DeepEqual([]string{"C", "D"}, h.d.Status().Witnesses)
		})
	})

	t.Run("death for another node is ignored", func(t *testing.T) {
		h.submit(t, "node-b", message.NewDeath("node-c", ""))
		h.submit(t, "node-b", message.NewResourceClaim("mail", "node-b"))
		eventually(t, "claim by node-b", func() bool { return h.owner("mail") == "node-b" })
		if sd := h.stepDowns(); len(sd) != 0 {
			t.Errorf("Expected no step-down, got %v", sd)
		}
	})

	t.Run("later claim wins", func(t *testing.T) {
		h.submit(t, "node-c", message.NewResourceClaim("mail", "node-c"))
		eventually(t, "claim by node-c", func() bool { return h.owner("mail") == "node-c" })
	})

	t.Run("unknown type is dropped", func(t *testing.T) {
		m := &message.Message{ID: "x", Type: "gossip", From: "node-b", Payload: json.RawMessage(`{}`)}
		if err := h.d.SubmitMessage(context.Background(), m); err != nil {
			t.Fatal(err)
		}
		eventually(t, "unknown_type drop", func() bool {
			return testutil.ToFloat64(h.metrics.BusMessagesDropped.WithLabelValues("unknown_type")) == 1
		})
	})

	t.Run("own messages are ignored", func(t *testing.T) {
		h.submit(t, "node-a", message.NewDeath("node-a", "loopback"))
		h.submit(t, "node-b", message.NewJoin("node-b"))
		eventually(t, "join journaled", func() bool {
			return len(h.journal.Events(&audit.Filter{Kind: audit.KindJoin})) == 1
		})
		if sd := h.stepDowns(); len(sd) != 0 {
			t.Errorf("Expected no step-down, got %v", sd)
		}
	})

	t.Run("death for self steps down", func(t *testing.T) {
		h.submit(t, "node-b", message.NewDeath("node-a", "fenced by node-b"))
		eventually(t, "step-down", func() bool {
			sd := h.stepDowns()
			return len(sd) == 1 && sd[0] == "fenced by node-b"
		})
		if got := h.fencer.recorded(); len(got) != 0 {
			t.Errorf("Expected no fence, got %v", got)
		}
	})
}

func TestJoinClearsClaimsOnRejoinedNode(t *testing.T) {
	h := newHarness(t, []string{"A"})
	h.prober.set("A", true)
	h.start(t)

	h.nodeUp(t, "node-x")
	h.nodeDown(t, "node-x")
	eventually(t, "claim of node-x", func() bool { return h.owner("node-x") == "node-a" })

	h.submit(t, "node-x", message.NewJoin("node-x"))
	eventually(t, "claim cleared", func() bool { return h.owner("node-x") == "" })
}

func TestUpdateWitnessesBroadcasts(t *testing.T) {
	h := newHarness(t, []string{"A"})
	h.start(t)

	if err := h.d.UpdateWitnesses(context.Background(), []string{"B", "A", "B"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "ping-nodes broadcast", func() bool { return len(h.bus.ofType(message.TypePingNodes)) == 1 })

	p, err := message.Decode[message.PingNodes](h.bus.ofType(message.TypePingNodes)[0])
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A", "B"}
	if !reflect.DeepEqual(p.Addrs, want) {
		t.Errorf("Expected broadcast %v, got %v", want, p.Addrs)
	}
	if got := h.d.Status().Witnesses; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected witnesses %v, got %v", want, got)
	}
	if got := testutil.ToFloat64(h.metrics.WitnessConfigured); got != 2 {
		t.Errorf("Expected 2 configured witnesses, got %v", got)
	}
}

func TestDeclareDeadBroadcastsDeath(t *testing.T) {
	h := newHarness(t, []string{"A"})
	h.start(t)

	if err := h.d.DeclareDead(context.Background(), "node-x", "maintenance"); err != nil {
		t.Fatal(err)
	}
	if err := h.d.DeclareDead(context.Background(), "node-y", ""); err != nil {
		t.Fatal(err)
	}
	eventually(t, "death broadcasts", func() bool { return len(h.bus.ofType(message.TypeDeath)) == 2 })

	sent := h.bus.ofType(message.TypeDeath)
	first, err := message.Decode[message.Death](sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if first.Node != "node-x" || first.Reason != "maintenance" {
		t.Errorf("Unexpected death payload %+v", first)
	}
	second, err := message.Decode[message.Death](sent[1])
	if err != nil {
		t.Fatal(err)
	}
	if second.Reason != "declared dead by operator on node-a" {
		t.Errorf("Expected a default reason, got %q", second.Reason)
	}

	if n := len(h.journal.Events(&audit.Filter{Kind: audit.KindDeath})); n != 2 {
		t.Errorf("Expected 2 death notices journaled, got %d", n)
	}
	if sd := h.stepDowns(); len(sd) != 0 {
		t.Errorf("Declaring a peer dead must not step this node down, got %v", sd)
	}

	if err := h.d.DeclareDead(context.Background(), "", "x"); !errors.Is(err, cluster.ErrEmptyNodeName) {
		t.Errorf("Expected ErrEmptyNodeName, got %v", err)
	}
}

func TestDeclareSelfDeadStepsDown(t *testing.T) {
	h := newHarness(t, []string{"A"})
	h.start(t)

	if err := h.d.DeclareDead(context.Background(), "node-a", "evacuate"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "step-down", func() bool {
		sd := h.stepDowns()
		return len(sd) == 1 && sd[0] == "evacuate"
	})
	if n := len(h.bus.ofType(message.TypeDeath)); n != 0 {
		t.Errorf("Expected no death broadcast for self, got %d", n)
	}
}

// TestResultsAfterShutdownAreDiscarded hands the loop a round that ended
// with every witness unreachable because the daemon was stopping.
func TestResultsAfterShutdownAreDiscarded(t *testing.T) {
	h := newHarness(t, []string{"A", "B"})

	round, ok := h.d.arbiter.PeerLost("node-x", h.d.witnesses)
	if !ok {
		t.Fatal("Expected a probe round for node-x")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := round.Run(ctx, h.prober)

	h.d.handle(ctx, roundDone{outcome: outcome})
	h.d.handle(ctx, fenceDone{job: arbiter.FenceJob{Peer: "node-y", Channel: "channel1"}, err: context.Canceled})
	h.d.wg.Wait()

	if n := len(h.journal.Events(&audit.Filter{Kind: audit.KindArbitration})); n != 0 {
		t.Errorf("Expected no verdict recorded after shutdown, got %d", n)
	}
	if sd := h.stepDowns(); len(sd) != 0 {
		t.Errorf("Expected no step-down after shutdown, got %v", sd)
	}
	if esc := h.escalator.recorded(); len(esc) != 0 {
		t.Errorf("Expected no escalation after shutdown, got %v", esc)
	}
	if h.d.lastRound != nil {
		t.Errorf("Expected the interrupted round to be ignored, got %+v", h.d.lastRound)
	}

	// The same outcome on a live loop is a self-isolation.
	h.d.handle(context.Background(), roundDone{outcome: outcome})
	h.d.wg.Wait()
	if sd := h.stepDowns(); len(sd) != 1 {
		t.Errorf("Expected the live round to step down, got %v", sd)
	}
}

func TestRunOnceAndSubmitAfterStop(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if err := h.d.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	h.stop(t)
	if err := h.d.SubmitNodeStatus(context.Background(), "node-x", cluster.StatusDown); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	if h.d.Status().Running {
		t.Error("Expected status to report stopped")
	}
}

// blockingFencer holds the channel until ctx ends.
type blockingFencer struct {
	started chan struct{}
}

func (f *blockingFencer) Fence(ctx context.Context, peer, channel string) error {
	close(f.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownMidFenceReleasesLock(t *testing.T) {
	dir := t.TempDir()
	locks := fencing.NewLockManager(dir, time.Minute, fencing.WithPollInterval(5*time.Millisecond))
	agent := &blockingFencer{started: make(chan struct{})}
	coord := fencing.NewCoordinator(locks, agent, fencing.CoordinatorConfig{
		LockWait:     time.Second,
		FenceTimeout: time.Minute,
	}, nil, nil)

	h := newHarness(t, []string{"A"}, func(d *Deps) { d.Fencer = coord })
	h.prober.set("A", true)
	h.start(t)

	h.nodeUp(t, "node-x")
	h.nodeDown(t, "node-x")

	select {
	case <-agent.started:
	case <-time.After(waitFor):
		t.Fatal("fence never started")
	}
	path := filepath.Join(dir, "LCK..channel1")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected lockfile held while fencing: %v", err)
	}

	h.stop(t)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Lockfile must be removed on shutdown, stat returned %v", err)
	}
	if esc := h.escalator.recorded(); len(esc) != 0 {
		t.Errorf("An interrupted fence must not escalate, got %v", esc)
	}
}
