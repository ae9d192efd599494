package witness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/logging"
	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
)

// Reachability is the outcome of probing one witness.
type Reachability int

const (
	Unreachable Reachability = iota
	Reachable
)

func (r Reachability) String() string {
	if r == Reachable {
		return "reachable"
	}
	return "unreachable"
}

// MarshalText implements encoding.TextMarshaler.
func (r Reachability) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ProbeFunc checks a single witness. A nil error means reachable.
type ProbeFunc func(ctx context.Context, addr string) error

// Result maps every witness of the probed set to its reachability.
type Result struct {
	Status   map[string]Reachability `json:"status"`
	Started  time.Time               `json:"started"`
	Duration time.Duration           `json:"duration"`
}

func (r Result) filter(want Reachability) []string {
	var out []string
	for addr, st := range r.Status {
		if st == want {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// Reachable returns the reachable witnesses, sorted.
func (r Result) Reachable() []string { return r.filter(Reachable) }

// Unreachable returns the unreachable witnesses, sorted.
func (r Result) Unreachable() []string { return r.filter(Unreachable) }

// Prober runs probe rounds against a witness set.
type Prober struct {
	probe      ProbeFunc
	perWitness time.Duration
	logger     logging.Logger
	metrics    *metrics.Registry
}

// Option configures a Prober.
type Option func(*Prober)

func WithLogger(l logging.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(p *Prober) { p.metrics = r }
}

// NewProber creates a prober that gives each witness at most perWitness.
func NewProber(probe ProbeFunc, perWitness time.Duration, opts ...Option) *Prober {
	p := &Prober{
		probe:      probe,
		perWitness: perWitness,
		logger:     logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type probeOutcome struct {
	addr string
	err  error
}

// CheckAll probes every witness in set concurrently. It returns when all
// probes have finished or roundTimeout has elapsed, whichever comes first;
// probes still running at that point count as unreachable. ctx cancellation
// ends the round early in the same way.
func (p *Prober) CheckAll(ctx context.Context, set Set, roundTimeout time.Duration) Result {
	res := Result{
		Status:  make(map[string]Reachability, set.Len()),
		Started: time.Now(),
	}
	addrs := set.Addrs()
	for _, a := range addrs {
		res.Status[a] = Unreachable
	}
	if len(addrs) == 0 {
		return res
	}

	roundCtx, cancel := context.WithTimeout(ctx, roundTimeout)
	defer cancel()

	perWitness := p.perWitness
	if perWitness <= 0 || perWitness > roundTimeout {
		perWitness = roundTimeout
	}

	// Buffered so that probes finishing after the round never block.
	outcomes := make(chan probeOutcome, len(addrs))
	for _, addr := range addrs {
		go func(addr string) {
			pctx, pcancel := context.WithTimeout(roundCtx, perWitness)
			defer pcancel()
			outcomes <- probeOutcome{addr: addr, err: p.probe(pctx, addr)}
		}(addr)
	}

	pending := len(addrs)
collect:
	for pending > 0 {
		select {
		case o := <-outcomes:
			pending--
			if o.err == nil {
				res.Status[o.addr] = Reachable
			} else {
				p.logger.Debug("witness probe failed", logging.Witness(o.addr), logging.Error(o.err))
			}
		case <-roundCtx.Done():
			break collect
		}
	}
	res.Duration = time.Since(res.Started)

	unreachable := res.Unreachable()
	if pending > 0 {
		p.logger.Debug("probe round ended with probes outstanding", logging.Count(pending))
	}
	if p.metrics != nil {
		p.metrics.RecordProbeRound(len(addrs)-len(unreachable), unreachable, res.Duration)
	}
	return res
}

// ProbeFor returns the probe for a configured method name.
func ProbeFor(method string) (ProbeFunc, error) {
	switch method {
	case "", "tcp":
		return TCPProbe, nil
	case "icmp":
		return ICMPProbe, nil
	}
	return nil, fmt.Errorf("unknown probe method %q", method)
}
