//go:build !zmq
// +build !zmq

package bus

import "errors"

func newZMQSocketFactory() (SocketFactory, error) {
	return nil, errors.New("zmq transport not compiled in (build with -tags zmq)")
}
