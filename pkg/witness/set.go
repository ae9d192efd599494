// Package witness probes the ping nodes used to tell local isolation apart
// from peer failure.
package witness

import (
	"slices"
	"strings"
)

// Set is an immutable, sorted, de-duplicated list of witness addresses.
// The zero value is the empty set. Replacing the cluster-wide ping node set
// swaps the Set value; rounds already running keep the snapshot they started with.
type Set struct {
	addrs []string
}

// NewSet builds a set from addrs, dropping blanks and duplicates.
func NewSet(addrs []string) Set {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return Set{addrs: slices.Compact(out)}
}

// Addrs returns a copy of the addresses.
func (s Set) Addrs() []string {
	return slices.Clone(s.addrs)
}

func (s Set) Len() int {
	return len(s.addrs)
}

func (s Set) Equal(o Set) bool {
	return slices.Equal(s.addrs, o.addrs)
}

func (s Set) String() string {
	return "[" + strings.Join(s.addrs, " ") + "]"
}
