package arbiter

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/witness"
)

// State is the record of one arbitration, from the peer-down event that
// started it to the verdict.
type State struct {
	ID          string    `json:"id"`
	Peer        string    `json:"peer"`
	Generation  uint64    `json:"generation"`
	Witnesses   []string  `json:"witnesses"`
	Reachable   []string  `json:"reachable"`
	Unreachable []string  `json:"unreachable"`
	Verdict     Verdict   `json:"verdict"`
	Action      Verdict   `json:"action"`
	Started     time.Time `json:"started"`
	Decided     time.Time `json:"decided"`
}

// Prober runs a probe round over a witness snapshot.
type Prober interface {
	CheckAll(ctx context.Context, set witness.Set, roundTimeout time.Duration) witness.Result
}

// Round is a pending probe round. It is created on the event loop and run
// elsewhere; its Outcome is handed back to Arbiter.Complete.
type Round struct {
	ID         string
	Peer       string
	Generation uint64
	Witnesses  witness.Set
	Timeout    time.Duration
}

// Outcome carries a finished round back to the arbiter.
type Outcome struct {
	ID         string
	Peer       string
	Generation uint64
	Result     witness.Result
}

// Run probes the round's witnesses. An empty set returns at once.
func (r *Round) Run(ctx context.Context, p Prober) Outcome {
	o := Outcome{ID: r.ID, Peer: r.Peer, Generation: r.Generation}
	if r.Witnesses.Len() == 0 {
		o.Result = witness.Result{Status: map[string]witness.Reachability{}, Started: time.Now()}
		return o
	}
	o.Result = p.CheckAll(ctx, r.Witnesses, r.Timeout)
	return o
}
