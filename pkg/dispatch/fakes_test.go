package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/message"
	"github.com/dd0wney/cluso-arbiter/pkg/witness"
)

type fakeProber struct {
	mu     sync.Mutex
	up     map[string]bool
	rounds int
}

func (p *fakeProber) set(addr string, up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up[addr] = up
}

func (p *fakeProber) CheckAll(_ context.Context, set witness.Set, _ time.Duration) witness.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rounds++
	res := witness.Result{Status: map[string]witness.Reachability{}, Started: time.Now()}
	for _, a := range set.Addrs() {
		if p.up[a] {
			res.Status[a] = witness.Reachable
		} else {
			res.Status[a] = witness.Unreachable
		}
	}
	return res
}

func (p *fakeProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rounds
}

type fenceCall struct {
	peer, channel string
}

type fakeFencer struct {
	mu    sync.Mutex
	calls []fenceCall
	err   error
}

func (f *fakeFencer) Fence(_ context.Context, peer, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fenceCall{peer, channel})
	return f.err
}

func (f *fakeFencer) recorded() []fenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fenceCall(nil), f.calls...)
}

type fakeResources struct {
	mu        sync.Mutex
	stepDowns []string
	releases  [][]string
}

func (r *fakeResources) StepDown(_ context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepDowns = append(r.stepDowns, reason)
	return nil
}

func (r *fakeResources) Release(_ context.Context, groups []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases = append(r.releases, groups)
	return nil
}

func (r *fakeResources) snapshot() ([]string, [][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stepDowns...), append([][]string(nil), r.releases...)
}

type escalation struct {
	peer, channel string
	cause         error
}

type fakeEscalator struct {
	mu    sync.Mutex
	calls []escalation
}

func (e *fakeEscalator) Escalate(_ context.Context, peer, channel string, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, escalation{peer, channel, cause})
	return nil
}

func (e *fakeEscalator) recorded() []escalation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]escalation(nil), e.calls...)
}

type fakeBus struct {
	mu   sync.Mutex
	sent []*message.Message
}

func (b *fakeBus) Broadcast(m *message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m.From = "node-a"
	b.sent = append(b.sent, m)
	return nil
}

func (b *fakeBus) ofType(t message.Type) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*message.Message
	for _, m := range b.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}
