// Package message defines the control messages exchanged between arbiter
// instances over the cluster message bus.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Type tags a message. Receivers ignore types they do not know.
type Type string

const (
	TypeJoin          Type = "join"
	TypePingNodes     Type = "ping-nodes"
	TypeDeath         Type = "death"
	TypeResourceClaim Type = "resource-claim"
	TypeFenceResult   Type = "fence-result"
)

// Known reports whether t is a type this build understands.
func (t Type) Known() bool {
	switch t {
	case TypeJoin, TypePingNodes, TypeDeath, TypeResourceClaim, TypeFenceResult:
		return true
	}
	return false
}

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid message payload")
)

var validate = validator.New()

// Message is the envelope carried on the bus.
type Message struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	From    string          `json:"from"`
	Seq     uint64          `json:"seq"`
	Sent    time.Time       `json:"sent"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Join announces that a node has (re)joined the cluster.
type Join struct {
	Node string `json:"node" validate:"required"`
}

// PingNodes replaces the cluster-wide witness set.
type PingNodes struct {
	Addrs []string `json:"addrs" validate:"dive,required"`
}

// Death tells Node that it has been declared dead and must step down.
type Death struct {
	Node   string `json:"node" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// ResourceClaim asserts that Owner now holds resource group Group.
type ResourceClaim struct {
	Group string `json:"group" validate:"required"`
	Owner string `json:"owner" validate:"required"`
}

// FenceResult reports the outcome of a fence attempt.
type FenceResult struct {
	Peer    string `json:"peer" validate:"required"`
	Channel string `json:"channel"`
	Result  string `json:"result" validate:"required"`
}

// build wraps payload in a fresh envelope. Payloads are structs of strings,
// for which json.Marshal cannot fail.
func build(t Type, payload any) *Message {
	data, _ := json.Marshal(payload)
	return &Message{ID: uuid.NewString(), Type: t, Payload: data}
}

func NewJoin(node string) *Message {
	return build(TypeJoin, Join{Node: node})
}

func NewPingNodes(addrs []string) *Message {
	return build(TypePingNodes, PingNodes{Addrs: addrs})
}

func NewDeath(node, reason string) *Message {
	return build(TypeDeath, Death{Node: node, Reason: reason})
}

func NewResourceClaim(group, owner string) *Message {
	return build(TypeResourceClaim, ResourceClaim{Group: group, Owner: owner})
}

func NewFenceResult(peer, channel, result string) *Message {
	return build(TypeFenceResult, FenceResult{Peer: peer, Channel: channel, Result: result})
}

// Decode unmarshals and validates the payload of m.
func Decode[T any](m *Message) (*T, error) {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Type, err)
	}
	if err := validate.Struct(&v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Type, err)
	}
	return &v, nil
}

// Validate checks the envelope and, for known types, the payload.
func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidPayload)
	}

	var err error
	switch m.Type {
	case TypeJoin:
		_, err = Decode[Join](m)
	case TypePingNodes:
		_, err = Decode[PingNodes](m)
	case TypeDeath:
		_, err = Decode[Death](m)
	case TypeResourceClaim:
		_, err = Decode[ResourceClaim](m)
	case TypeFenceResult:
		_, err = Decode[FenceResult](m)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return err
}
