package dispatch

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-arbiter/pkg/message"
)

// messageHandler handles one control message type.
type messageHandler func(ctx context.Context, m *message.Message) error

// router dispatches control messages to registered handlers. It is only
// touched by the dispatch loop.
type router struct {
	handlers map[message.Type]messageHandler
}

func newRouter() *router {
	return &router{handlers: make(map[message.Type]messageHandler)}
}

func (r *router) handle(t message.Type, h messageHandler) *router {
	r.handlers[t] = h
	return r
}

// handleFunc registers a handler that receives the decoded, validated payload.
func handleFunc[T any](r *router, t message.Type, h func(ctx context.Context, m *message.Message, payload *T) error) *router {
	return r.handle(t, func(ctx context.Context, m *message.Message) error {
		v, err := message.Decode[T](m)
		if err != nil {
			return err
		}
		return h(ctx, m, v)
	})
}

// dispatch routes m. Unregistered types are reported as ErrUnknownType.
func (r *router) dispatch(ctx context.Context, m *message.Message) error {
	h, ok := r.handlers[m.Type]
	if !ok {
		return fmt.Errorf("%w: %q", message.ErrUnknownType, m.Type)
	}
	return h(ctx, m)
}
