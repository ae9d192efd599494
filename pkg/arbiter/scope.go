package arbiter

import (
	"fmt"
	"sort"
)

// Scope selects resource groups by their relation to the local node.
type Scope int

const (
	ScopeForeign Scope = iota
	ScopeLocal
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeAll:
		return "all"
	default:
		return "foreign"
	}
}

// ParseScope accepts "local", "foreign" and "all".
func ParseScope(s string) (Scope, error) {
	switch s {
	case "local":
		return ScopeLocal, nil
	case "foreign", "":
		return ScopeForeign, nil
	case "all":
		return ScopeAll, nil
	}
	return ScopeForeign, fmt.Errorf("unknown resource scope %q", s)
}

// Groups maps nodes to the resource groups whose home they are. A node with
// no configured groups has one group named after it.
type Groups struct {
	byNode map[string][]string
	home   map[string]string
}

// NewGroups builds the mapping from group name to home node.
func NewGroups(homes map[string]string) *Groups {
	g := &Groups{
		byNode: make(map[string][]string),
		home:   make(map[string]string, len(homes)),
	}
	for group, node := range homes {
		g.home[group] = node
		g.byNode[node] = append(g.byNode[node], group)
	}
	for _, list := range g.byNode {
		sort.Strings(list)
	}
	return g
}

// Of returns the groups homed on node.
func (g *Groups) Of(node string) []string {
	if list, ok := g.byNode[node]; ok {
		out := make([]string, len(list))
		copy(out, list)
		return out
	}
	return []string{node}
}

// Home returns the home node of group.
func (g *Groups) Home(group string) string {
	if node, ok := g.home[group]; ok {
		return node
	}
	return group
}

// InScope reports whether group, seen from self, falls in scope.
func (g *Groups) InScope(group, self string, scope Scope) bool {
	local := g.Home(group) == self
	switch scope {
	case ScopeAll:
		return true
	case ScopeLocal:
		return local
	default:
		return !local
	}
}
