package arbiter

import (
	"sort"
	"time"
)

// Claim records the current owner of a resource group.
type Claim struct {
	Group string    `json:"group"`
	Owner string    `json:"owner"`
	From  string    `json:"from"`
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
}

// ClaimTable resolves competing claims by local receipt order: the claim
// received last wins. Two members that receive the same claims in the same
// order therefore agree on every owner. Total ordering across members is
// left to the resource manager's coordinator.
type ClaimTable struct {
	claims map[string]Claim
	seq    uint64
	now    func() time.Time
}

// NewClaimTable creates an empty table.
func NewClaimTable() *ClaimTable {
	return &ClaimTable{claims: make(map[string]Claim), now: time.Now}
}

// Apply records owner for group, superseding any earlier claim.
func (t *ClaimTable) Apply(group, owner, from string) Claim {
	t.seq++
	c := Claim{Group: group, Owner: owner, From: from, Seq: t.seq, At: t.now()}
	t.claims[group] = c
	return c
}

// Owner returns the current owner of group.
func (t *ClaimTable) Owner(group string) (string, bool) {
	c, ok := t.claims[group]
	return c.Owner, ok
}

// OwnedBy lists the groups owned by node, sorted.
func (t *ClaimTable) OwnedBy(node string) []string {
	var out []string
	for g, c := range t.claims {
		if c.Owner == node {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// Remove forgets the claim on group.
func (t *ClaimTable) Remove(group string) {
	delete(t.claims, group)
}

// Snapshot returns all claims sorted by group.
func (t *ClaimTable) Snapshot() []Claim {
	out := make([]Claim, 0, len(t.claims))
	for _, c := range t.claims {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}
