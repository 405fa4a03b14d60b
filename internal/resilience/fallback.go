package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/circuitbreaker"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// FallbackGroup is the consumer group every fallback worker instance shares.
const FallbackGroup = "fallback-worker"

// breaker is the subset of circuitbreaker.CircuitBreaker the fallback worker
// polls to decide whether the primary store has been healthy long enough to
// resume replaying staged entries.
type breaker interface {
	State() circuitbreaker.State
}

// FallbackWorker replays entries staged to StreamFallback once the primary
// store's circuit breaker has been Closed continuously for StablePeriod,
// so a flapping store does not get hammered by a backlog the instant it
// recovers.
type FallbackWorker struct {
	client       *streaming.Client
	mgr          *streaming.Manager
	proc         *processor
	breaker      breaker
	stablePeriod time.Duration
	pollInterval time.Duration
	consumer     string
	logger       *zap.Logger

	closedSince time.Time
}

// NewFallbackWorker builds a fallback replayer gated on cb's state.
func NewFallbackWorker(client *streaming.Client, mgr *streaming.Manager, cb breaker, replay ReplayFunc, opts Options, stablePeriod time.Duration, consumerName string, logger *zap.Logger) *FallbackWorker {
	if stablePeriod <= 0 {
		stablePeriod = 30 * time.Second
	}
	return &FallbackWorker{
		client:       client,
		mgr:          mgr,
		proc:         newProcessor(mgr, replay, opts, logger),
		breaker:      cb,
		stablePeriod: stablePeriod,
		pollInterval: time.Second,
		consumer:     consumerName,
		logger:       logger,
	}
}

// Run blocks, polling the breaker state and draining StreamFallback once it
// has been stably Closed, until ctx is cancelled.
func (f *FallbackWorker) Run(ctx context.Context) {
	if err := f.mgr.Bootstrap(ctx, FallbackGroup, streaming.StreamFallback); err != nil {
		f.logger.Warn("fallback bootstrap failed", zap.Error(err))
		return
	}

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *FallbackWorker) tick(ctx context.Context) {
	if f.breaker.State() != circuitbreaker.StateClosed {
		f.closedSince = time.Time{}
		return
	}
	if f.closedSince.IsZero() {
		f.closedSince = time.Now()
		return
	}
	if time.Since(f.closedSince) < f.stablePeriod {
		return
	}

	entries, err := f.client.ReadGroup(ctx, streaming.StreamFallback, FallbackGroup, f.consumer, 100, 0)
	if err != nil {
		f.logger.Warn("fallback drain failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if err := f.proc.handle(ctx, streaming.StreamFallback, e); err != nil {
			f.logger.Warn("fallback entry handling failed, left pending", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		if err := f.client.Ack(ctx, streaming.StreamFallback, FallbackGroup, e.ID); err != nil {
			f.logger.Warn("fallback ack failed", zap.String("id", e.ID), zap.Error(err))
		}
		if err := f.client.Del(ctx, streaming.StreamFallback, e.ID); err != nil {
			f.logger.Warn("fallback purge failed", zap.String("id", e.ID), zap.Error(err))
		}
	}
}
