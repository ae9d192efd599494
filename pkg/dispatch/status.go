package dispatch

import (
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/arbiter"
	"github.com/dd0wney/cluso-arbiter/pkg/cluster"
)

// WitnessRound summarizes the most recent probe round.
type WitnessRound struct {
	Peer        string    `json:"peer"`
	At          time.Time `json:"at"`
	Reachable   []string  `json:"reachable"`
	Unreachable []string  `json:"unreachable"`
}

// Status is a point-in-time view of the loop's state. Values returned by
// Dispatcher.Status are never modified afterwards.
type Status struct {
	Self      string         `json:"self"`
	Running   bool           `json:"running"`
	Members   []cluster.Node `json:"members"`
	Witnesses []string       `json:"witnesses"`
	LastRound *WitnessRound  `json:"last_round,omitempty"`
	Arbiter   arbiter.Status `json:"arbiter"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Status returns the latest snapshot. Safe for concurrent use.
func (d *Dispatcher) Status() *Status {
	return d.status.Load()
}

// publish rebuilds the snapshot. Called only from the loop (or before it
// starts).
func (d *Dispatcher) publish() {
	s := &Status{
		Self:      d.self,
		Running:   d.running.Load() && !d.isStopping(),
		Members:   d.observer.Snapshot(),
		Witnesses: d.witnesses.Addrs(),
		Arbiter:   d.arbiter.Status(),
		UpdatedAt: d.now(),
	}
	if d.lastRound != nil {
		r := *d.lastRound
		s.LastRound = &r
	}
	d.status.Store(s)
}

func (d *Dispatcher) isStopping() bool {
	select {
	case <-d.stopping:
		return true
	default:
		return false
	}
}
