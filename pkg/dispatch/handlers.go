package dispatch

import (
	"context"
	"errors"

	"github.com/dd0wney/cluso-arbiter/pkg/audit"
	"github.com/dd0wney/cluso-arbiter/pkg/logging"
	"github.com/dd0wney/cluso-arbiter/pkg/message"
	"github.com/dd0wney/cluso-arbiter/pkg/witness"
)

func (d *Dispatcher) routes() *router {
	r := newRouter()

	handleFunc(r, message.TypeJoin, func(ctx context.Context, m *message.Message, p *message.Join) error {
		if p.Node == d.self {
			return nil
		}
		d.logger.Info("node joined", logging.Peer(p.Node), logging.Node(m.From))
		d.apply(ctx, d.arbiter.Joined(p.Node))
		d.record(audit.NewEvent(audit.KindJoin, p.Node, audit.OutcomeInfo, "node joined"))
		return nil
	})

	handleFunc(r, message.TypePingNodes, func(_ context.Context, m *message.Message, p *message.PingNodes) error {
		d.setWitnesses(witness.NewSet(p.Addrs), "bus:"+m.From)
		return nil
	})

	handleFunc(r, message.TypeDeath, func(ctx context.Context, m *message.Message, p *message.Death) error {
		if p.Node != d.self {
			d.logger.Debug("death notification for another node, ignoring",
				logging.Peer(p.Node), logging.Node(m.From))
			return nil
		}
		reason := p.Reason
		if reason == "" {
			reason = "declared dead by " + m.From
		}
		d.apply(ctx, d.arbiter.SelfIsolated(reason))
		return nil
	})

	handleFunc(r, message.TypeResourceClaim, func(_ context.Context, m *message.Message, p *message.ResourceClaim) error {
		c := d.arbiter.ApplyClaim(p.Group, p.Owner, m.From)
		d.record(audit.NewEvent(audit.KindClaim, "", audit.OutcomeInfo, p.Group).
			With("owner", p.Owner).
			With("from", m.From).
			With("seq", c.Seq))
		return nil
	})

	handleFunc(r, message.TypeFenceResult, func(_ context.Context, m *message.Message, p *message.FenceResult) error {
		d.logger.Info("fence result reported",
			logging.Peer(p.Peer), logging.Channel(p.Channel),
			logging.String("result", p.Result), logging.Node(m.From))
		ev := audit.NewEvent(audit.KindFence, p.Peer, audit.OutcomeInfo, p.Result).With("reporter", m.From)
		ev.Channel = p.Channel
		d.record(ev)
		return nil
	})

	return r
}

func (d *Dispatcher) onMessage(ctx context.Context, m *message.Message) {
	if m == nil {
		return
	}
	if m.From == d.self {
		return
	}
	if err := m.Validate(); err != nil {
		reason := "invalid"
		if errors.Is(err, message.ErrUnknownType) {
			reason = "unknown_type"
		}
		d.drop(m, reason, err)
		return
	}

	if err := d.router.dispatch(ctx, m); err != nil {
		reason := "invalid"
		if errors.Is(err, message.ErrUnknownType) {
			reason = "unknown_type"
		}
		d.drop(m, reason, err)
	}
}

func (d *Dispatcher) drop(m *message.Message, reason string, err error) {
	if d.metrics != nil {
		d.metrics.BusMessagesDropped.WithLabelValues(reason).Inc()
	}
	d.logger.Debug("dropping message",
		logging.MessageType(string(m.Type)), logging.Node(m.From),
		logging.String("reason", reason), logging.Error(err))
}
