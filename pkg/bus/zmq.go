//go:build zmq
// +build zmq

package bus

import (
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// zmqSocket wraps a zmq4 socket. zmq sockets are not safe for concurrent
// use; the bus sends from one goroutine at a time and receives from one.
type zmqSocket struct {
	sock *zmq.Socket
}

func (s *zmqSocket) Send(data []byte) error {
	_, err := s.sock.SendBytes(data, 0)
	return translateZMQ(err)
}

func (s *zmqSocket) Recv() ([]byte, error) {
	data, err := s.sock.RecvBytes(0)
	return data, translateZMQ(err)
}

func (s *zmqSocket) Close() error {
	return s.sock.Close()
}

func (s *zmqSocket) SetRecvDeadline(d time.Duration) error {
	return s.sock.SetRcvtimeo(d)
}

func (s *zmqSocket) SetSendDeadline(d time.Duration) error {
	return s.sock.SetSndtimeo(d)
}

func (s *zmqSocket) Listen(addr string) error {
	return s.sock.Bind(addr)
}

func (s *zmqSocket) Dial(addr string) error {
	return s.sock.Connect(addr)
}

func (s *zmqSocket) Subscribe(topic []byte) error {
	return s.sock.SetSubscribe(string(topic))
}

func translateZMQ(err error) error {
	if err == nil {
		return nil
	}
	switch zmq.AsErrno(err) {
	case zmq.Errno(syscall.EAGAIN):
		return ErrRecvTimeout
	case zmq.ETERM, zmq.Errno(syscall.ENOTSOCK):
		return ErrClosed
	}
	return err
}

// ZMQSocketFactory creates ZeroMQ PUB/SUB sockets.
type ZMQSocketFactory struct{}

func newZMQSocketFactory() (SocketFactory, error) {
	return &ZMQSocketFactory{}, nil
}

func (f *ZMQSocketFactory) NewPubSocket() (ListenSocket, error) {
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	return &zmqSocket{sock: sock}, nil
}

func (f *ZMQSocketFactory) NewSubSocket() (SubscribeSocket, error) {
	sock, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, err
	}
	return &zmqSocket{sock: sock}, nil
}

var _ SocketFactory = (*ZMQSocketFactory)(nil)
