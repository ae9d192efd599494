package cluster

import (
	"fmt"
	"strings"
)

// Status is the liveness of a node or a link as reported by the transport.
type Status int

const (
	StatusUnknown Status = iota
	StatusUp
	StatusDown
)

// String returns the string representation of a Status
func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// ParseStatus accepts the transport's spellings. Heartbeat reports "active"
// and "dead" as well as "up" and "down".
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "active", "alive":
		return StatusUp, nil
	case "down", "dead":
		return StatusDown, nil
	case "unknown", "":
		return StatusUnknown, nil
	}
	return StatusUnknown, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Change is the normalized event forwarded to the arbiter.
type Change int

const (
	// NoChange covers duplicates, self events and link-level degradation.
	NoChange Change = iota
	// PeerLost means the peer is down on every link.
	PeerLost
	// PeerGained means a peer that was not up is now reachable.
	PeerGained
)

func (c Change) String() string {
	switch c {
	case PeerLost:
		return "lost"
	case PeerGained:
		return "gained"
	default:
		return "none"
	}
}
