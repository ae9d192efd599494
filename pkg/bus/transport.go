// Package bus carries control messages between arbiter instances. Every
// node publishes on its own listen address and subscribes to its peers.
package bus

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrRecvTimeout is returned by Recv when the receive deadline passes
	// with nothing to read.
	ErrRecvTimeout = errors.New("receive timed out")
	// ErrClosed is returned by a socket that has been closed.
	ErrClosed = errors.New("socket closed")
)

// Socket represents a messaging socket that can send and receive messages.
// This interface abstracts the underlying transport (mangos, ZMQ, or mock for testing).
type Socket interface {
	io.Closer
	Send([]byte) error
	Recv() ([]byte, error)
	SetRecvDeadline(d time.Duration) error
	SetSendDeadline(d time.Duration) error
}

// ListenSocket is a socket that can bind to an address and accept connections.
type ListenSocket interface {
	Socket
	Listen(addr string) error
}

// SubscribeSocket is a SUB socket that dials publishers and subscribes to topics.
type SubscribeSocket interface {
	Socket
	Dial(addr string) error
	Subscribe(topic []byte) error
}

// SocketFactory creates the publish and subscribe halves of the bus.
type SocketFactory interface {
	NewPubSocket() (ListenSocket, error)
	NewSubSocket() (SubscribeSocket, error)
}

const (
	TransportMangos = "mangos"
	TransportZMQ    = "zmq"
)

// NewSocketFactory returns the factory for the named transport.
func NewSocketFactory(transport string) (SocketFactory, error) {
	switch transport {
	case TransportMangos, "":
		return NewMangosSocketFactory(), nil
	case TransportZMQ:
		return newZMQSocketFactory()
	}
	return nil, fmt.Errorf("unknown bus transport %q", transport)
}
