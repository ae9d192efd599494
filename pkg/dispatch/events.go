package dispatch

import (
	"github.com/dd0wney/cluso-arbiter/pkg/arbiter"
	"github.com/dd0wney/cluso-arbiter/pkg/cluster"
	"github.com/dd0wney/cluso-arbiter/pkg/message"
)

// Event is anything the dispatch loop consumes. All membership and
// arbitration state changes happen in response to one.
type Event interface {
	isEvent()
}

// NodeStatusEvent reports a node-level status change from the heartbeat layer.
type NodeStatusEvent struct {
	Node   string
	Status cluster.Status
}

// LinkStatusEvent reports a change on one link to a node.
type LinkStatusEvent struct {
	Node   string
	Link   string
	Status cluster.Status
}

// MessageEvent carries a control message received from the bus.
type MessageEvent struct {
	Message *message.Message
}

// WitnessUpdateEvent replaces the witness set at an operator's request.
// The new set is broadcast to the cluster.
type WitnessUpdateEvent struct {
	Addrs []string
}

// DeathNoticeEvent tells a node to give up its resources. For another node
// it is broadcast as a death message; for this node it is a step-down.
type DeathNoticeEvent struct {
	Node   string
	Reason string
}

type roundDone struct {
	outcome arbiter.Outcome
}

type fenceDone struct {
	job arbiter.FenceJob
	err error
}

type acknowledge struct {
	peer  string
	reply chan bool
}

func (NodeStatusEvent) isEvent()    {}
func (LinkStatusEvent) isEvent()    {}
func (MessageEvent) isEvent()       {}
func (WitnessUpdateEvent) isEvent() {}
func (DeathNoticeEvent) isEvent()   {}
func (roundDone) isEvent()          {}
func (fenceDone) isEvent()          {}
func (acknowledge) isEvent()        {}
