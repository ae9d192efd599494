package arbiter

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-arbiter/pkg/fencing"
	"github.com/dd0wney/cluso-arbiter/pkg/logging"
	"github.com/dd0wney/cluso-arbiter/pkg/message"
	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
	"github.com/dd0wney/cluso-arbiter/pkg/witness"
)

var ErrNoSelf = errors.New("local node name is required")

// Config parameterizes an Arbiter.
type Config struct {
	Self         string
	Policy       EmptyPolicy
	ReleaseScope Scope
	RoundTimeout time.Duration
	Groups       *Groups
	// ChannelFor returns the fencing channel for a peer.
	ChannelFor func(peer string) (string, bool)
	// HistorySize bounds the verdicts kept for status reporting.
	HistorySize int
}

// Unfenced describes a peer presumed dead whose fencing failed. It stays
// listed until the peer rejoins or an operator acknowledges it.
type Unfenced struct {
	Peer    string    `json:"peer"`
	Channel string    `json:"channel"`
	Error   string    `json:"error"`
	Since   time.Time `json:"since"`
}

type peerState struct {
	generation  uint64
	arbitrating bool
	fencing     bool
	roundID     string
}

// Arbiter is the partition arbitration state machine. It must only be
// called from the event loop: it has no locks, starts no goroutines and
// returns the I/O it wants done as Effects.
type Arbiter struct {
	cfg        Config
	claims     *ClaimTable
	peers      map[string]*peerState
	generation uint64
	unfenced   map[string]Unfenced
	history    []State
	isolations int
	logger     logging.Logger
	metrics    *metrics.Registry
	now        func() time.Time
}

// New validates cfg and creates an arbiter. logger and reg may be nil.
func New(cfg Config, logger logging.Logger, reg *metrics.Registry) (*Arbiter, error) {
	if cfg.Self == "" {
		return nil, ErrNoSelf
	}
	if cfg.Policy != AssumeIsolated && cfg.Policy != AssumePeerDead {
		return nil, ErrPolicyUnset
	}
	if cfg.RoundTimeout <= 0 {
		return nil, fmt.Errorf("round timeout must be positive, got %v", cfg.RoundTimeout)
	}
	if cfg.Groups == nil {
		cfg.Groups = NewGroups(nil)
	}
	if cfg.ChannelFor == nil {
		cfg.ChannelFor = func(string) (string, bool) { return "", false }
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Arbiter{
		cfg:      cfg,
		claims:   NewClaimTable(),
		peers:    make(map[string]*peerState),
		unfenced: make(map[string]Unfenced),
		logger:   logger.With(logging.Component("arbiter")),
		metrics:  reg,
		now:      time.Now,
	}, nil
}

func (a *Arbiter) peer(name string) *peerState {
	ps, ok := a.peers[name]
	if !ok {
		ps = &peerState{}
		a.peers[name] = ps
	}
	return ps
}

// Start claims the local node's own resource groups and announces them.
func (a *Arbiter) Start() Effects {
	var e Effects
	for _, g := range a.cfg.Groups.Of(a.cfg.Self) {
		a.claims.Apply(g, a.cfg.Self, a.cfg.Self)
		e.Claimed = append(e.Claimed, g)
		e.Broadcast = append(e.Broadcast, message.NewResourceClaim(g, a.cfg.Self))
	}
	a.updateOwned()
	return e
}

// PeerLost begins arbitration for peer against the witness snapshot. It
// returns false when an arbitration or fence for the peer is outstanding;
// the event is then coalesced into it.
func (a *Arbiter) PeerLost(peer string, witnesses witness.Set) (*Round, bool) {
	if peer == a.cfg.Self {
		return nil, false
	}
	ps := a.peer(peer)
	if ps.arbitrating || ps.fencing {
		a.logger.Debug("peer-down event coalesced",
			logging.Peer(peer), logging.Bool("fencing", ps.fencing))
		if a.metrics != nil {
			a.metrics.ArbitrationsCoalesced.Inc()
		}
		return nil, false
	}

	a.generation++
	ps.generation = a.generation
	ps.arbitrating = true
	ps.roundID = uuid.NewString()

	if a.metrics != nil {
		a.metrics.ArbitrationsInFlight.Inc()
	}
	a.logger.Info("arbitration started",
		logging.Peer(peer),
		logging.ArbitrationID(ps.roundID),
		logging.Generation(ps.generation),
		logging.Count(witnesses.Len()))

	return &Round{
		ID:         ps.roundID,
		Peer:       peer,
		Generation: ps.generation,
		Witnesses:  witnesses,
		Timeout:    a.cfg.RoundTimeout,
	}, true
}

// PeerGained abandons any probe round in flight for peer. Its result will
// be discarded when it arrives.
func (a *Arbiter) PeerGained(peer string) {
	ps, ok := a.peers[peer]
	if !ok {
		return
	}
	a.generation++
	ps.generation = a.generation
	if ps.arbitrating {
		ps.arbitrating = false
		a.logger.Info("arbitration superseded, peer is back", logging.Peer(peer), logging.ArbitrationID(ps.roundID))
	}
}

// Complete applies the verdict of a finished round.
func (a *Arbiter) Complete(o Outcome) Effects {
	if a.metrics != nil {
		a.metrics.ArbitrationsInFlight.Dec()
	}

	ps, ok := a.peers[o.Peer]
	if !ok || !ps.arbitrating || ps.generation != o.Generation {
		a.logger.Debug("discarding superseded probe round",
			logging.Peer(o.Peer), logging.ArbitrationID(o.ID), logging.Generation(o.Generation))
		if a.metrics != nil {
			a.metrics.ArbitrationsAbandoned.Inc()
		}
		return Effects{}
	}
	ps.arbitrating = false

	reachable := o.Result.Reachable()
	unreachable := o.Result.Unreachable()
	verdict, action := Decide(len(reachable), len(unreachable), a.cfg.Policy)

	st := State{
		ID:          o.ID,
		Peer:        o.Peer,
		Generation:  o.Generation,
		Witnesses:   append(append([]string{}, reachable...), unreachable...),
		Reachable:   reachable,
		Unreachable: unreachable,
		Verdict:     verdict,
		Action:      action,
		Started:     o.Result.Started,
		Decided:     a.now(),
	}
	sort.Strings(st.Witnesses)
	a.remember(st)

	log := a.logger.With(logging.Peer(o.Peer), logging.ArbitrationID(o.ID))
	switch {
	case verdict == VerdictIndeterminate:
		log.Warn("no witnesses configured, applying empty witness policy",
			logging.String("policy", a.cfg.Policy.String()), logging.Verdict(action.String()))
		if a.metrics != nil {
			a.metrics.WitnessEmptySetDecision.Inc()
		}
	case verdict == VerdictSelfIsolated:
		log.Warn("all witnesses unreachable, local node is isolated",
			logging.Strings("unreachable", unreachable))
	default:
		log.Info("peer presumed dead",
			logging.Strings("reachable", reachable), logging.Strings("unreachable", unreachable))
	}
	if a.metrics != nil {
		a.metrics.ArbitrationsTotal.WithLabelValues(verdict.String()).Inc()
	}

	var e Effects
	switch action {
	case VerdictSelfIsolated:
		e = a.isolate(fmt.Sprintf("no witness reachable while arbitrating loss of %s", o.Peer), "probe")
	case VerdictPeerDead:
		e = a.claimPeer(o.Peer, o.ID)
	}
	e.Decided = &st
	return e
}

// claimPeer takes over the dead peer's resource groups and requests a fence.
func (a *Arbiter) claimPeer(peer, arbitrationID string) Effects {
	var e Effects
	for _, g := range a.cfg.Groups.Of(peer) {
		a.claims.Apply(g, a.cfg.Self, a.cfg.Self)
		e.Claimed = append(e.Claimed, g)
		e.Broadcast = append(e.Broadcast, message.NewResourceClaim(g, a.cfg.Self))
		if a.metrics != nil {
			a.metrics.ClaimsAppliedTotal.Inc()
		}
	}
	a.updateOwned()

	channel, _ := a.cfg.ChannelFor(peer)
	a.peer(peer).fencing = true
	e.Fence = &FenceJob{ArbitrationID: arbitrationID, Peer: peer, Channel: channel}
	return e
}

// isolate sheds owned groups in the release scope and signals step-down.
func (a *Arbiter) isolate(reason, source string) Effects {
	var release []string
	for _, g := range a.claims.OwnedBy(a.cfg.Self) {
		if a.cfg.Groups.InScope(g, a.cfg.Self, a.cfg.ReleaseScope) {
			a.claims.Remove(g)
			release = append(release, g)
		}
	}
	a.isolations++
	a.updateOwned()

	a.logger.Warn("stepping down",
		logging.String("reason", reason),
		logging.String("source", source),
		logging.Strings("release", release))
	if a.metrics != nil {
		a.metrics.SelfIsolationsTotal.WithLabelValues(source).Inc()
		a.metrics.ClaimsReleasedTotal.Add(float64(len(release)))
	}
	return Effects{StepDown: &StepDown{Reason: reason, Source: source, Release: release}}
}

// SelfIsolated handles an explicit death notification for the local node.
// No probe round is run.
func (a *Arbiter) SelfIsolated(reason string) Effects {
	if reason == "" {
		reason = "death notification received"
	}
	return a.isolate(reason, "notification")
}

// FenceDone records the result of a fence job.
func (a *Arbiter) FenceDone(job FenceJob, err error) Effects {
	a.peer(job.Peer).fencing = false

	e := Effects{Broadcast: []*message.Message{
		message.NewFenceResult(job.Peer, job.Channel, fencing.ResultFor(err)),
	}}

	if err == nil {
		delete(a.unfenced, job.Peer)
		a.updateUnfenced()
		return e
	}

	a.unfenced[job.Peer] = Unfenced{
		Peer:    job.Peer,
		Channel: job.Channel,
		Error:   err.Error(),
		Since:   a.now(),
	}
	a.updateUnfenced()
	a.logger.Error("peer presumed dead but unfenced",
		logging.Peer(job.Peer), logging.Channel(job.Channel), logging.Error(err))
	e.Escalation = &Escalation{Peer: job.Peer, Channel: job.Channel, Err: err}
	return e
}

// Joined handles a join announcement. Claims made on the node's groups
// while it was away are dropped, any probe round for it is abandoned and
// an unfenced mark is cleared.
func (a *Arbiter) Joined(node string) Effects {
	if node == a.cfg.Self {
		return Effects{}
	}
	a.PeerGained(node)

	for _, g := range a.cfg.Groups.Of(node) {
		if owner, ok := a.claims.Owner(g); ok && owner != node {
			a.claims.Remove(g)
			a.logger.Info("dropping stale claim for rejoined node",
				logging.Peer(node), logging.ResourceGroup(g), logging.String("owner", owner))
		}
	}
	a.updateOwned()

	if _, ok := a.unfenced[node]; ok {
		delete(a.unfenced, node)
		a.updateUnfenced()
	}
	return Effects{}
}

// ApplyClaim records a resource-claim broadcast in receipt order.
func (a *Arbiter) ApplyClaim(group, owner, from string) Claim {
	prev, had := a.claims.Owner(group)
	c := a.claims.Apply(group, owner, from)
	if a.metrics != nil {
		a.metrics.ClaimsAppliedTotal.Inc()
	}
	if had && prev == a.cfg.Self && owner != a.cfg.Self {
		a.logger.Warn("resource group claimed by another node",
			logging.ResourceGroup(group), logging.String("owner", owner), logging.Uint64("seq", c.Seq))
	}
	a.updateOwned()
	return c
}

// Acknowledge clears the unfenced mark for peer. It reports whether a mark
// existed.
func (a *Arbiter) Acknowledge(peer string) bool {
	if _, ok := a.unfenced[peer]; !ok {
		return false
	}
	delete(a.unfenced, peer)
	a.updateUnfenced()
	a.logger.Info("operator acknowledged unfenced peer", logging.Peer(peer))
	return true
}

func (a *Arbiter) remember(st State) {
	a.history = append(a.history, st)
	if over := len(a.history) - a.cfg.HistorySize; over > 0 {
		a.history = append([]State(nil), a.history[over:]...)
	}
}

func (a *Arbiter) updateOwned() {
	if a.metrics != nil {
		a.metrics.OwnedResourceGroups.Set(float64(len(a.claims.OwnedBy(a.cfg.Self))))
	}
}

func (a *Arbiter) updateUnfenced() {
	if a.metrics != nil {
		a.metrics.UnfencedPeers.Set(float64(len(a.unfenced)))
	}
}

// Status is a read-only snapshot for reporting.
type Status struct {
	Arbitrating []string   `json:"arbitrating"`
	Fencing     []string   `json:"fencing"`
	Unfenced    []Unfenced `json:"unfenced"`
	Claims      []Claim    `json:"claims"`
	History     []State    `json:"history"`
	Isolations  int        `json:"isolations"`
	Policy      string     `json:"empty_witness_policy"`
}

// Status copies the arbiter's state.
func (a *Arbiter) Status() Status {
	s := Status{
		Arbitrating: []string{},
		Fencing:     []string{},
		Unfenced:    make([]Unfenced, 0, len(a.unfenced)),
		Claims:      a.claims.Snapshot(),
		History:     append([]State(nil), a.history...),
		Isolations:  a.isolations,
		Policy:      a.cfg.Policy.String(),
	}
	for name, ps := range a.peers {
		if ps.arbitrating {
			s.Arbitrating = append(s.Arbitrating, name)
		}
		if ps.fencing {
			s.Fencing = append(s.Fencing, name)
		}
	}
	for _, u := range a.unfenced {
		s.Unfenced = append(s.Unfenced, u)
	}
	sort.Strings(s.Arbitrating)
	sort.Strings(s.Fencing)
	sort.Slice(s.Unfenced, func(i, j int) bool { return s.Unfenced[i].Peer < s.Unfenced[j].Peer })
	return s
}
