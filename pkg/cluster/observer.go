package cluster

import (
	"sort"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
)

// Node is the observer's view of one peer.
type Node struct {
	Name       string            `json:"name"`
	Status     Status            `json:"status"`
	Links      map[string]Status `json:"links"`
	LastChange time.Time         `json:"last_change"`
}

func (n *Node) clone() Node {
	cp := *n
	cp.Links = make(map[string]Status, len(n.Links))
	for id, st := range n.Links {
		cp.Links[id] = st
	}
	return cp
}

func (n *Node) anyLinkUp() bool {
	for _, st := range n.Links {
		if st == StatusUp {
			return true
		}
	}
	return false
}

// Observer maintains cluster membership from transport callbacks and turns
// them into normalized peer changes.
//
// Rules:
// 1. A node-level "down" is authoritative: every known link is marked down.
// 2. A link-level "down" only loses the peer when the peer was up and no
//    link to it remains up. Otherwise it is a degradation.
// 3. Any "up" for a peer that is not up gains it.
// 4. Repeated deliveries of the same status are NoChange.
// 5. Events about the local node are ignored.
//
// Observer is not safe for concurrent use. It is owned by the dispatch loop,
// which is the only goroutine that mutates membership.
type Observer struct {
	self    string
	nodes   map[string]*Node
	metrics *metrics.Registry
	now     func() time.Time
}

// NewObserver creates an observer for the local node self. reg may be nil.
func NewObserver(self string, reg *metrics.Registry) *Observer {
	return &Observer{
		self:    self,
		nodes:   make(map[string]*Node),
		metrics: reg,
		now:     time.Now,
	}
}

// Self returns the local node name.
func (o *Observer) Self() string {
	return o.self
}

func (o *Observer) node(name string) *Node {
	n, ok := o.nodes[name]
	if !ok {
		n = &Node{Name: name, Links: make(map[string]Status)}
		o.nodes[name] = n
	}
	return n
}

// NodeStatusChanged records a node-level transition.
func (o *Observer) NodeStatusChanged(name string, status Status) (Change, error) {
	if name == "" {
		return NoChange, ErrEmptyNodeName
	}
	if name == o.self {
		return NoChange, nil
	}

	n := o.node(name)
	if n.Status == status {
		return NoChange, nil
	}

	n.Status = status
	n.LastChange = o.now()

	change := NoChange
	switch status {
	case StatusDown:
		for id := range n.Links {
			n.Links[id] = StatusDown
		}
		change = PeerLost
	case StatusUp:
		change = PeerGained
	}

	o.record(change)
	return change, nil
}

// LinkStatusChanged records a transition of one link to a peer.
func (o *Observer) LinkStatusChanged(name, link string, status Status) (Change, error) {
	if name == "" {
		return NoChange, ErrEmptyNodeName
	}
	if link == "" {
		return NoChange, ErrEmptyLinkID
	}
	if name == o.self {
		return NoChange, nil
	}

	n := o.node(name)
	if prev, ok := n.Links[link]; ok && prev == status {
		return NoChange, nil
	}
	n.Links[link] = status

	change := NoChange
	switch status {
	case StatusUp:
		if n.Status != StatusUp {
			n.Status = StatusUp
			n.LastChange = o.now()
			change = PeerGained
		}
	case StatusDown:
		if n.Status != StatusUp {
			break
		}
		if n.anyLinkUp() {
			if o.metrics != nil {
				o.metrics.ClusterLinkDegradations.Inc()
			}
			break
		}
		n.Status = StatusDown
		n.LastChange = o.now()
		change = PeerLost
	}

	o.record(change)
	return change, nil
}

// Node returns a copy of the named peer.
func (o *Observer) Node(name string) (Node, bool) {
	n, ok := o.nodes[name]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Snapshot returns copies of all known peers sorted by name.
func (o *Observer) Snapshot() []Node {
	out := make([]Node, 0, len(o.nodes))
	for _, n := range o.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (o *Observer) record(change Change) {
	if o.metrics == nil {
		return
	}
	if change != NoChange {
		o.metrics.ClusterPeerChangesTotal.WithLabelValues(change.String()).Inc()
	}

	var up, down, unknown int
	for _, n := range o.nodes {
		switch n.Status {
		case StatusUp:
			up++
		case StatusDown:
			down++
		default:
			unknown++
		}
	}
	o.metrics.SetMembers(up, down, unknown)
}
