package fencing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/logging"
	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
)

// Fencer drives the fencing device. Implementations own the device
// protocol; the coordinator only guarantees exclusive use of the channel.
type Fencer interface {
	Fence(ctx context.Context, peer, channel string) error
}

// FencerFunc adapts a function to Fencer.
type FencerFunc func(ctx context.Context, peer, channel string) error

func (f FencerFunc) Fence(ctx context.Context, peer, channel string) error {
	return f(ctx, peer, channel)
}

// CoordinatorConfig bounds lock waits and device calls.
type CoordinatorConfig struct {
	LockWait     time.Duration
	FenceTimeout time.Duration
}

// Coordinator serializes fence invocations per channel. It never retries;
// a failed attempt is returned to the caller.
type Coordinator struct {
	locks   *LockManager
	fencer  Fencer
	cfg     CoordinatorConfig
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewCoordinator creates a coordinator. logger and reg may be nil.
func NewCoordinator(locks *LockManager, fencer Fencer, cfg CoordinatorConfig, logger logging.Logger, reg *metrics.Registry) *Coordinator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Coordinator{
		locks:   locks,
		fencer:  fencer,
		cfg:     cfg,
		logger:  logger.With(logging.Component("fencing")),
		metrics: reg,
	}
}

// Fence acquires channel, invokes the fencer once against peer and releases
// the channel again, whatever the outcome. The lease is released on return,
// on ctx cancellation and if the fencer panics.
func (c *Coordinator) Fence(ctx context.Context, peer, channel string) error {
	log := c.logger.With(logging.Peer(peer), logging.Channel(channel))

	if channel == "" {
		c.record(ErrNotConfigured, 0, 0)
		return fmt.Errorf("fence %s: %w", peer, ErrNotConfigured)
	}

	lease, err := c.locks.Acquire(ctx, channel, c.cfg.LockWait)
	if err != nil {
		log.Error("could not acquire fencing channel", logging.Error(err))
		if c.metrics != nil {
			c.metrics.FenceAttemptsTotal.WithLabelValues("lock_timeout").Inc()
		}
		return fmt.Errorf("fence %s: %w", peer, err)
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			log.Warn("fencing lock release reported a problem", logging.Error(rerr))
		}
	}()

	if c.metrics != nil {
		c.metrics.FenceInProgress.Inc()
		defer c.metrics.FenceInProgress.Dec()
	}

	log.Info("fencing peer", logging.Uint64("token", lease.Token), logging.Duration("lock_wait", lease.Waited))

	start := time.Now()
	err = c.invoke(ctx, peer, channel)
	elapsed := time.Since(start)

	c.record(err, lease.Waited, elapsed)
	if err != nil {
		log.Error("fencing failed", logging.Error(err), logging.Latency(elapsed))
		return fmt.Errorf("fence %s via %s: %w", peer, lease.Channel, err)
	}
	log.Info("peer fenced", logging.Latency(elapsed))
	return nil
}

func (c *Coordinator) invoke(ctx context.Context, peer, channel string) (err error) {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FenceTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: fencer panicked: %v", ErrDeviceFailure, r)
		}
	}()

	err = c.fencer.Fence(fctx, peer, channel)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBadHost), errors.Is(err, ErrDeviceFailure), errors.Is(err, ErrFenceTimeout):
		return err
	case errors.Is(fctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("%w: %v", ErrFenceTimeout, err)
	case ctx.Err() != nil:
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDeviceFailure, err)
	}
}

func (c *Coordinator) record(err error, waited, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordFence(ResultFor(err), waited, elapsed)
}
