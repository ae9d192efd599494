package arbiter

import (
	"github.com/dd0wney/cluso-arbiter/pkg/message"
)

// FenceJob asks for peer to be fenced over channel. An empty channel means
// none is configured; the fence attempt then fails and is escalated.
type FenceJob struct {
	ArbitrationID string
	Peer          string
	Channel       string
}

// StepDown is the signal to the resource manager that this node has lost
// the cluster and must give up control.
type StepDown struct {
	Reason  string
	Source  string
	Release []string
}

// Escalation reports a peer presumed dead whose fencing failed.
type Escalation struct {
	Peer    string
	Channel string
	Err     error
}

// Effects are the side effects the event loop must carry out after an
// arbiter call. The arbiter itself performs no I/O.
type Effects struct {
	Decided    *State
	Broadcast  []*message.Message
	Claimed    []string
	Fence      *FenceJob
	StepDown   *StepDown
	Escalation *Escalation
}

// Empty reports whether there is nothing to do.
func (e Effects) Empty() bool {
	return e.Decided == nil && len(e.Broadcast) == 0 && len(e.Claimed) == 0 &&
		e.Fence == nil && e.StepDown == nil && e.Escalation == nil
}
