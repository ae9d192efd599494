// Package dispatch runs the single event loop that owns membership,
// the witness set and the arbiter. Heartbeat callbacks and bus messages
// are submitted as events; probe rounds, fences and resource manager
// calls run on worker goroutines and report back as events.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/arbiter"
	"github.com/dd0wney/cluso-arbiter/pkg/audit"
	"github.com/dd0wney/cluso-arbiter/pkg/cluster"
	"github.com/dd0wney/cluso-arbiter/pkg/logging"
	"github.com/dd0wney/cluso-arbiter/pkg/message"
	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
	"github.com/dd0wney/cluso-arbiter/pkg/witness"
)

var (
	ErrStopped        = errors.New("dispatcher stopped")
	ErrAlreadyRunning = errors.New("dispatcher already running")
	ErrMissingDep     = errors.New("missing dispatcher dependency")
)

// Broadcaster publishes control messages to the cluster.
type Broadcaster interface {
	Broadcast(m *message.Message) error
}

// Fencer fences a peer over a channel; see fencing.Coordinator.
type Fencer interface {
	Fence(ctx context.Context, peer, channel string) error
}

// ResourceManager is told to release groups and step down on isolation.
type ResourceManager interface {
	StepDown(ctx context.Context, reason string) error
	Release(ctx context.Context, groups []string) error
}

// Escalator raises the alarm for a peer presumed dead but unfenced.
type Escalator interface {
	Escalate(ctx context.Context, peer, channel string, cause error) error
}

// Deps are the collaborators of a Dispatcher. Observer, Arbiter, Prober
// and Fencer are required.
type Deps struct {
	Observer  *cluster.Observer
	Arbiter   *arbiter.Arbiter
	Prober    arbiter.Prober
	Fencer    Fencer
	Resources ResourceManager
	Escalator Escalator
	Bus       Broadcaster
	Journal   *audit.Journal
	Logger    logging.Logger
	Metrics   *metrics.Registry
}

// Config holds the loop's own settings.
type Config struct {
	// Witnesses is the initial witness set.
	Witnesses []string
	// QueueSize bounds pending events.
	QueueSize int
}

// Dispatcher is the event loop.
type Dispatcher struct {
	self      string
	observer  *cluster.Observer
	arbiter   *arbiter.Arbiter
	prober    arbiter.Prober
	fencer    Fencer
	resources ResourceManager
	escalator Escalator
	bus       Broadcaster
	journal   *audit.Journal
	logger    logging.Logger
	metrics   *metrics.Registry
	router    *router

	events   chan Event
	stopping chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup

	// owned by the loop
	witnesses witness.Set
	lastRound *WitnessRound

	status atomic.Pointer[Status]
	now    func() time.Time
}

// New wires a dispatcher. It does not start the loop.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Observer == nil:
		return nil, errors.Join(ErrMissingDep, errors.New("observer"))
	case deps.Arbiter == nil:
		return nil, errors.Join(ErrMissingDep, errors.New("arbiter"))
	case deps.Prober == nil:
		return nil, errors.Join(ErrMissingDep, errors.New("prober"))
	case deps.Fencer == nil:
		return nil, errors.Join(ErrMissingDep, errors.New("fencer"))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	d := &Dispatcher{
		self:      deps.Observer.Self(),
		observer:  deps.Observer,
		arbiter:   deps.Arbiter,
		prober:    deps.Prober,
		fencer:    deps.Fencer,
		resources: deps.Resources,
		escalator: deps.Escalator,
		bus:       deps.Bus,
		journal:   deps.Journal,
		logger:    logger.With(logging.Component("dispatch")),
		metrics:   deps.Metrics,
		events:    make(chan Event, cfg.QueueSize),
		stopping:  make(chan struct{}),
		witnesses: witness.NewSet(cfg.Witnesses),
		now:       time.Now,
	}
	d.router = d.routes()
	if d.metrics != nil {
		d.metrics.WitnessConfigured.Set(float64(d.witnesses.Len()))
	}
	d.publish()
	return d, nil
}

// Run processes events until ctx is cancelled. Cancelling ctx also cancels
// in-flight probe rounds, fences and hooks; Run returns after they have
// finished. A Dispatcher runs once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	d.logger.Info("dispatcher started",
		logging.Node(d.self), logging.Count(d.witnesses.Len()))
	d.apply(ctx, d.arbiter.Start())
	d.broadcast(message.NewJoin(d.self))
	d.publish()

	for {
		select {
		case <-ctx.Done():
			close(d.stopping)
			d.logger.Info("dispatcher stopping, waiting for workers")
			d.wg.Wait()
			d.publish()
			d.logger.Info("dispatcher stopped")
			return nil
		case ev := <-d.events:
			d.handle(ctx, ev)
			d.publish()
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, ev Event) error {
	select {
	case <-d.stopping:
		return ErrStopped
	default:
	}
	select {
	case d.events <- ev:
		return nil
	case <-d.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a worker result. Results that arrive after shutdown began
// are dropped.
func (d *Dispatcher) post(ev Event) {
	select {
	case d.events <- ev:
	case <-d.stopping:
	}
}

// SubmitNodeStatus queues a node-level status change.
func (d *Dispatcher) SubmitNodeStatus(ctx context.Context, node string, status cluster.Status) error {
	return d.submit(ctx, NodeStatusEvent{Node: node, Status: status})
}

// SubmitLinkStatus queues a link-level status change.
func (d *Dispatcher) SubmitLinkStatus(ctx context.Context, node, link string, status cluster.Status) error {
	return d.submit(ctx, LinkStatusEvent{Node: node, Link: link, Status: status})
}

// SubmitMessage queues a control message received from the bus.
func (d *Dispatcher) SubmitMessage(ctx context.Context, m *message.Message) error {
	return d.submit(ctx, MessageEvent{Message: m})
}

// UpdateWitnesses replaces the witness set and announces it to the cluster.
func (d *Dispatcher) UpdateWitnesses(ctx context.Context, addrs []string) error {
	return d.submit(ctx, WitnessUpdateEvent{Addrs: append([]string(nil), addrs...)})
}

// DeclareDead tells node to stop running resources, as a peer that won
// arbitration would. An empty reason is filled in.
func (d *Dispatcher) DeclareDead(ctx context.Context, node, reason string) error {
	if node == "" {
		return cluster.ErrEmptyNodeName
	}
	return d.submit(ctx, DeathNoticeEvent{Node: node, Reason: reason})
}

// Acknowledge clears the unfenced mark on peer after an operator has dealt
// with it by hand. It reports whether the peer was marked.
func (d *Dispatcher) Acknowledge(ctx context.Context, peer string) (bool, error) {
	reply := make(chan bool, 1)
	if err := d.submit(ctx, acknowledge{peer: peer, reply: reply}); err != nil {
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-d.stopping:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Deliver adapts SubmitMessage to the bus receive callback.
func (d *Dispatcher) Deliver(ctx context.Context) func(*message.Message) {
	return func(m *message.Message) {
		if err := d.SubmitMessage(ctx, m); err != nil && !errors.Is(err, ErrStopped) && ctx.Err() == nil {
			d.logger.Warn("failed to queue bus message", logging.Error(err))
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	// Shutdown cuts probe rounds and fences short. What they report then
	// says nothing about the cluster and must not become a verdict.
	if ctx.Err() != nil {
		if ack, ok := ev.(acknowledge); ok {
			ack.reply <- false
		}
		return
	}

	switch ev := ev.(type) {
	case NodeStatusEvent:
		change, err := d.observer.NodeStatusChanged(ev.Node, ev.Status)
		if err != nil {
			d.logger.Warn("ignoring node status event", logging.Error(err))
			return
		}
		d.onChange(ctx, ev.Node, change)

	case LinkStatusEvent:
		change, err := d.observer.LinkStatusChanged(ev.Node, ev.Link, ev.Status)
		if err != nil {
			d.logger.Warn("ignoring link status event", logging.Error(err))
			return
		}
		if change == cluster.NoChange && ev.Status == cluster.StatusDown {
			d.logger.Debug("link down, peer still reachable",
				logging.Peer(ev.Node), logging.Link(ev.Link))
		}
		d.onChange(ctx, ev.Node, change)

	case MessageEvent:
		d.onMessage(ctx, ev.Message)

	case WitnessUpdateEvent:
		d.setWitnesses(witness.NewSet(ev.Addrs), "operator")
		d.broadcast(message.NewPingNodes(d.witnesses.Addrs()))

	case DeathNoticeEvent:
		reason := ev.Reason
		if reason == "" {
			reason = "declared dead by operator on " + d.self
		}
		if ev.Node == d.self {
			d.apply(ctx, d.arbiter.SelfIsolated(reason))
			return
		}
		d.logger.Warn("declaring peer dead", logging.Peer(ev.Node), logging.String("reason", reason))
		d.broadcast(message.NewDeath(ev.Node, reason))
		d.record(audit.NewEvent(audit.KindDeath, ev.Node, audit.OutcomeInfo, reason))

	case roundDone:
		d.lastRound = &WitnessRound{
			Peer:        ev.outcome.Peer,
			At:          ev.outcome.Result.Started,
			Reachable:   ev.outcome.Result.Reachable(),
			Unreachable: ev.outcome.Result.Unreachable(),
		}
		d.apply(ctx, d.arbiter.Complete(ev.outcome))

	case fenceDone:
		d.recordFence(ev.job, ev.err)
		d.apply(ctx, d.arbiter.FenceDone(ev.job, ev.err))

	case acknowledge:
		ok := d.arbiter.Acknowledge(ev.peer)
		if ok {
			d.record(audit.NewEvent(audit.KindAcknowledge, ev.peer, audit.OutcomeInfo, "operator acknowledged unfenced peer"))
		}
		d.publish()
		ev.reply <- ok
	}
}

func (d *Dispatcher) onChange(ctx context.Context, peer string, change cluster.Change) {
	switch change {
	case cluster.PeerLost:
		round, ok := d.arbiter.PeerLost(peer, d.witnesses)
		if !ok {
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			outcome := round.Run(ctx, d.prober)
			if ctx.Err() != nil {
				return
			}
			d.post(roundDone{outcome: outcome})
		}()
	case cluster.PeerGained:
		d.arbiter.PeerGained(peer)
	}
}

func (d *Dispatcher) setWitnesses(set witness.Set, source string) {
	if set.Equal(d.witnesses) {
		return
	}
	d.logger.Info("witness set replaced",
		logging.String("source", source),
		logging.Strings("old", d.witnesses.Addrs()),
		logging.Strings("new", set.Addrs()))
	d.witnesses = set
	if d.metrics != nil {
		d.metrics.WitnessConfigured.Set(float64(set.Len()))
	}
	d.record(audit.NewEvent(audit.KindWitnessSet, "", audit.OutcomeInfo, set.String()).With("source", source))
}

// apply carries out the side effects of an arbiter call.
func (d *Dispatcher) apply(ctx context.Context, e arbiter.Effects) {
	if e.Decided != nil {
		st := e.Decided
		outcome := audit.OutcomeSuccess
		if st.Verdict == arbiter.VerdictSelfIsolated {
			outcome = audit.OutcomeFailure
		}
		d.record(audit.NewEvent(audit.KindArbitration, st.Peer, outcome, st.Verdict.String()).
			With("arbitration_id", st.ID).
			With("action", st.Action.String()).
			With("reachable", st.Reachable).
			With("unreachable", st.Unreachable))
	}

	for _, g := range e.Claimed {
		d.record(audit.NewEvent(audit.KindClaim, "", audit.OutcomeInfo, g).With("owner", d.self))
	}
	for _, m := range e.Broadcast {
		d.broadcast(m)
	}

	if job := e.Fence; job != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			err := d.fencer.Fence(ctx, job.Peer, job.Channel)
			if ctx.Err() != nil {
				d.logger.Warn("fence interrupted by shutdown",
					logging.Peer(job.Peer), logging.Channel(job.Channel), logging.Error(err))
				return
			}
			d.post(fenceDone{job: *job, err: err})
		}()
	}

	if sd := e.StepDown; sd != nil {
		d.record(audit.NewEvent(audit.KindSelfIsolation, "", audit.OutcomeFailure, sd.Reason).
			With("source", sd.Source).
			With("release", sd.Release))
		if d.resources != nil {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.stepDown(ctx, *sd)
			}()
		}
	}

	if esc := e.Escalation; esc != nil && d.escalator != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.escalator.Escalate(ctx, esc.Peer, esc.Channel, esc.Err); err != nil {
				d.logger.Error("escalation failed", logging.Peer(esc.Peer), logging.Error(err))
			}
		}()
	}
}

func (d *Dispatcher) stepDown(ctx context.Context, sd arbiter.StepDown) {
	if len(sd.Release) > 0 {
		if err := d.resources.Release(ctx, sd.Release); err != nil {
			d.logger.Error("resource release failed",
				logging.Strings("groups", sd.Release), logging.Error(err))
		} else {
			d.record(audit.NewEvent(audit.KindRelease, "", audit.OutcomeSuccess, "released groups").
				With("groups", sd.Release))
		}
	}
	if err := d.resources.StepDown(ctx, sd.Reason); err != nil {
		d.logger.Error("step-down signal failed", logging.Error(err))
	}
}

func (d *Dispatcher) recordFence(job arbiter.FenceJob, err error) {
	ev := audit.NewEvent(audit.KindFence, job.Peer, audit.OutcomeSuccess, "peer fenced")
	ev.Channel = job.Channel
	ev.With("arbitration_id", job.ArbitrationID)
	if err != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.Detail = err.Error()
	}
	d.record(ev)
}

func (d *Dispatcher) broadcast(m *message.Message) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Broadcast(m); err != nil {
		d.logger.Warn("broadcast failed", logging.MessageType(string(m.Type)), logging.Error(err))
	}
}

// record journals e. Journal writes may fail on the durable sink; the event
// is kept in memory regardless.
func (d *Dispatcher) record(e *audit.Event) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(e); err != nil {
		d.logger.Warn("journal write failed", logging.Error(err))
	}
}
