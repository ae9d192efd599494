// Package audit keeps the incident journal: every verdict, claim, fence
// attempt and recovery the arbiter performs, for operators reviewing a
// failover after the fact.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies journal events.
type Kind string

const (
	KindArbitration   Kind = "arbitration"
	KindSelfIsolation Kind = "self-isolation"
	KindClaim         Kind = "claim"
	KindRelease       Kind = "release"
	KindFence         Kind = "fence"
	KindStaleLock     Kind = "stale-lock"
	KindEscalation    Kind = "escalation"
	KindAcknowledge   Kind = "acknowledge"
	KindWitnessSet    Kind = "witness-set"
	KindJoin          Kind = "join"
	KindDeath         Kind = "death"
)

// Outcome of the recorded action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeInfo    Outcome = "info"
)

// Event is one journal entry.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Peer      string         `json:"peer,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Outcome   Outcome        `json:"outcome"`
	Detail    string         `json:"detail,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID and the current time.
func NewEvent(kind Kind, peer string, outcome Outcome, detail string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      kind,
		Peer:      peer,
		Outcome:   outcome,
		Detail:    detail,
	}
}

// With adds a metadata entry and returns e.
func (e *Event) With(key string, value any) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

func (e *Event) String() string {
	return fmt.Sprintf("[%s] %s peer=%s channel=%s %s: %s",
		e.Timestamp.Format(time.RFC3339), e.Kind, e.Peer, e.Channel, e.Outcome, e.Detail)
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Kind    Kind
	Peer    string
	Outcome Outcome
	Since   time.Time
}

func (f *Filter) match(e *Event) bool {
	if f == nil {
		return true
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Peer != "" && e.Peer != f.Peer {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Journal is a fixed-size ring of events with an optional durable sink.
type Journal struct {
	mu     sync.RWMutex
	events []*Event
	index  int
	count  int
	total  int64
	sink   *Sink
}

// NewJournal creates a journal keeping the last capacity events.
func NewJournal(capacity int, sink *Sink) *Journal {
	if capacity < 1 {
		capacity = 1
	}
	return &Journal{events: make([]*Event, capacity), sink: sink}
}

// Record stores e, filling in ID and timestamp when missing. A sink write
// failure is returned but the event is still kept in memory.
func (j *Journal) Record(e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	j.mu.Lock()
	j.events[j.index] = e
	j.index = (j.index + 1) % len(j.events)
	if j.count < len(j.events) {
		j.count++
	}
	j.total++
	sink := j.sink
	j.mu.Unlock()

	if sink != nil {
		return sink.Write(e)
	}
	return nil
}

// Events returns matching events, oldest first.
func (j *Journal) Events(f *Filter) []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	size := len(j.events)
	out := make([]*Event, 0, j.count)
	for i := 0; i < j.count; i++ {
		e := j.events[(j.index-j.count+i+size)%size]
		if e != nil && f.match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns up to n events, newest first.
func (j *Journal) Recent(n int) []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n > j.count {
		n = j.count
	}
	size := len(j.events)
	out := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, j.events[(j.index-1-i+size)%size])
	}
	return out
}

// Total returns the number of events ever recorded.
func (j *Journal) Total() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.total
}
