package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-arbiter/pkg/logging"
	"github.com/dd0wney/cluso-arbiter/pkg/message"
	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
)

// Config describes the local end of the bus.
type Config struct {
	Self        string
	Listen      string
	Peers       []string
	RecvTimeout time.Duration
}

// Bus broadcasts control messages to every subscribed peer and receives
// theirs. Delivery is best effort; ordering holds per sender.
type Bus struct {
	cfg     Config
	codec   *Codec
	pub     ListenSocket
	sub     SubscribeSocket
	sockets *closeStack
	seq     atomic.Uint64
	sendMu  sync.Mutex
	// highest sequence number accepted per sender; owned by Run
	seen    map[string]uint64
	closed  atomic.Bool
	logger  logging.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// New opens the publish socket on cfg.Listen and subscribes to every peer.
func New(cfg Config, factory SocketFactory, codec *Codec, logger logging.Logger, reg *metrics.Registry) (b *Bus, err error) {
	if cfg.Self == "" {
		return nil, errors.New("bus: local node name is required")
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.Component("bus"))

	sockets := newCloseStack(logger)
	defer func() {
		if err != nil {
			sockets.closeAll()
		}
	}()

	pub, err := factory.NewPubSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create publish socket: %w", err)
	}
	sockets.add(pub, "publisher")
	if err := pub.Listen(cfg.Listen); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	sub, err := factory.NewSubSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create subscribe socket: %w", err)
	}
	sockets.add(sub, "subscriber")
	if err := sub.Subscribe([]byte{}); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := sub.SetRecvDeadline(cfg.RecvTimeout); err != nil {
		return nil, fmt.Errorf("failed to set receive deadline: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := sub.Dial(peer); err != nil {
			return nil, fmt.Errorf("failed to dial peer %s: %w", peer, err)
		}
	}

	logger.Info("message bus ready",
		logging.String("listen", cfg.Listen), logging.Strings("peers", cfg.Peers))

	b = &Bus{
		cfg:     cfg,
		codec:   codec,
		pub:     pub,
		sub:     sub,
		sockets: sockets,
		seen:    make(map[string]uint64),
		logger:  logger,
		metrics: reg,
		now:     time.Now,
	}
	// Sequence numbers start at the wall clock so that they keep rising
	// across restarts and receivers can reject replayed frames.
	b.seq.Store(uint64(b.now().UnixNano()))
	return b, nil
}

// Broadcast stamps m with the local sender, sequence number and send time
// and publishes it.
func (b *Bus) Broadcast(m *message.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	m.From = b.cfg.Self
	m.Seq = b.seq.Add(1)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Sent.IsZero() {
		m.Sent = b.now()
	}

	frame, err := b.codec.Encode(m)
	if err != nil {
		return err
	}

	b.sendMu.Lock()
	err = b.pub.Send(frame)
	b.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", m.Type, err)
	}

	if b.metrics != nil {
		b.metrics.BusMessagesSent.WithLabelValues(string(m.Type)).Inc()
	}
	b.logger.Debug("message sent",
		logging.MessageType(string(m.Type)), logging.Uint64("seq", m.Seq))
	return nil
}

// Run receives frames until ctx is cancelled or the bus is closed, passing
// every authentic, well formed message from another node to deliver.
// A frame whose sequence number is not above the last one accepted from
// its sender is a replay and is dropped. Run must not be called twice.
func (b *Bus) Run(ctx context.Context, deliver func(*message.Message)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := b.sub.Recv()
		switch {
		case err == nil:
		case errors.Is(err, ErrRecvTimeout):
			continue
		case errors.Is(err, ErrClosed):
			return nil
		default:
			if b.closed.Load() {
				return nil
			}
			b.logger.Warn("receive failed", logging.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.cfg.RecvTimeout):
			}
			continue
		}

		m, err := b.codec.Decode(frame)
		if err != nil {
			reason := "decode"
			if errors.Is(err, ErrBadAuth) {
				reason = "auth"
			}
			b.drop(reason, err)
			continue
		}
		if m.From == b.cfg.Self {
			continue
		}
		if err := m.Validate(); err != nil {
			reason := "invalid"
			if errors.Is(err, message.ErrUnknownType) {
				reason = "unknown_type"
			}
			b.drop(reason, err, logging.MessageType(string(m.Type)), logging.Node(m.From))
			continue
		}

		if last := b.seen[m.From]; m.Seq <= last {
			b.drop("replay", fmt.Errorf("sequence %d not after %d", m.Seq, last),
				logging.MessageType(string(m.Type)), logging.Node(m.From))
			continue
		}
		b.seen[m.From] = m.Seq

		if b.metrics != nil {
			b.metrics.BusMessagesReceived.WithLabelValues(string(m.Type)).Inc()
		}
		deliver(m)
	}
}

func (b *Bus) drop(reason string, err error, fields ...logging.Field) {
	if b.metrics != nil {
		b.metrics.BusMessagesDropped.WithLabelValues(reason).Inc()
	}
	fields = append(fields, logging.String("reason", reason), logging.Error(err))
	b.logger.Warn("dropping inbound message", fields...)
}

// Close shuts both sockets. Run returns once its pending receive ends.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.sockets.closeAll()
}
