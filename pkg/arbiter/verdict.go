// Package arbiter decides, when contact with a peer is lost, whether the
// local node or the peer has been cut off, and turns that verdict into
// resource claims, fence requests or a step-down signal.
package arbiter

import (
	"errors"
	"fmt"
	"strings"
)

// Verdict is the outcome of one arbitration.
type Verdict int

const (
	VerdictIndeterminate Verdict = iota
	VerdictSelfIsolated
	VerdictPeerDead
)

func (v Verdict) String() string {
	switch v {
	case VerdictSelfIsolated:
		return "self-isolated"
	case VerdictPeerDead:
		return "peer-dead"
	default:
		return "indeterminate"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "self-isolated":
		*v = VerdictSelfIsolated
	case "peer-dead":
		*v = VerdictPeerDead
	case "indeterminate":
		*v = VerdictIndeterminate
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

// EmptyPolicy chooses the action when there are no witnesses to consult.
// There is no default: the zero value is rejected by New.
type EmptyPolicy int

const (
	PolicyUnset EmptyPolicy = iota
	AssumeIsolated
	AssumePeerDead
)

var ErrPolicyUnset = errors.New("empty witness policy must be set explicitly")

func (p EmptyPolicy) String() string {
	switch p {
	case AssumeIsolated:
		return "assume-isolated"
	case AssumePeerDead:
		return "assume-peer-dead"
	default:
		return "unset"
	}
}

// ParseEmptyPolicy accepts "assume-isolated" and "assume-peer-dead".
func ParseEmptyPolicy(s string) (EmptyPolicy, error) {
	switch strings.TrimSpace(s) {
	case "assume-isolated":
		return AssumeIsolated, nil
	case "assume-peer-dead":
		return AssumePeerDead, nil
	case "":
		return PolicyUnset, ErrPolicyUnset
	}
	return PolicyUnset, fmt.Errorf("unknown empty witness policy %q", s)
}

// Decide applies the verdict rule to a finished probe round.
//
// No witnesses configured: the verdict is indeterminate and the policy
// supplies the action. No witness reachable: the local node has lost the
// network, whichever peer triggered the check. At least one reachable: the
// peer is presumed dead.
//
// The first result is the verdict to record, the second the action to take.
func Decide(reachable, unreachable int, policy EmptyPolicy) (Verdict, Verdict) {
	switch {
	case reachable+unreachable == 0:
		switch policy {
		case AssumeIsolated:
			return VerdictIndeterminate, VerdictSelfIsolated
		case AssumePeerDead:
			return VerdictIndeterminate, VerdictPeerDead
		}
		return VerdictIndeterminate, VerdictIndeterminate
	case reachable == 0:
		return VerdictSelfIsolated, VerdictSelfIsolated
	default:
		return VerdictPeerDead, VerdictPeerDead
	}
}
