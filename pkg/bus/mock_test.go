package bus

import (
	"sync"
	"time"
)

// mockSocket is an in-memory socket. Frames sent on a publisher are copied
// to every subscriber registered with the same hub.
type mockSocket struct {
	hub      *mockHub
	inbox    chan []byte
	deadline time.Duration
	closed   chan struct{}
	once     sync.Once
	listen   string
	dialed   []string
	sendErr  error
}

func (s *mockSocket) Send(data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.hub.publish(append([]byte(nil), data...))
	return nil
}

func (s *mockSocket) Recv() ([]byte, error) {
	timer := time.NewTimer(s.deadline)
	defer timer.Stop()
	select {
	case data := <-s.inbox:
		return data, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}

func (s *mockSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *mockSocket) SetRecvDeadline(d time.Duration) error { s.deadline = d; return nil }
func (s *mockSocket) SetSendDeadline(time.Duration) error   { return nil }
func (s *mockSocket) Listen(addr string) error              { s.listen = addr; return nil }
func (s *mockSocket) Dial(addr string) error                { s.dialed = append(s.dialed, addr); return nil }
func (s *mockSocket) Subscribe([]byte) error                { return nil }

type mockHub struct {
	mu   sync.Mutex
	subs []*mockSocket
	pubs []*mockSocket
}

func (h *mockHub) publish(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.inbox <- frame:
		default:
		}
	}
}

// inject delivers a raw frame to every subscriber, as if sent by a peer.
func (h *mockHub) inject(frame []byte) { h.publish(frame) }

func (h *mockHub) newSocket() *mockSocket {
	return &mockSocket{
		hub:      h,
		inbox:    make(chan []byte, 64),
		deadline: 50 * time.Millisecond,
		closed:   make(chan struct{}),
	}
}

func (h *mockHub) NewPubSocket() (ListenSocket, error) {
	s := h.newSocket()
	h.mu.Lock()
	h.pubs = append(h.pubs, s)
	h.mu.Unlock()
	return s, nil
}

func (h *mockHub) NewSubSocket() (SubscribeSocket, error) {
	s := h.newSocket()
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s, nil
}

var _ SocketFactory = (*mockHub)(nil)
