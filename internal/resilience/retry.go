package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/streaming"
)

// RetryWorker scans StreamRetry on a fixed interval, processing only entries
// whose nextRetryAt has elapsed, preserving append order by walking the
// stream with XRANGE rather than leasing through a consumer group (so an
// entry that is not yet due is simply left in place for the next scan,
// instead of sitting unacked in a pending-entries list).
type RetryWorker struct {
	client       *streaming.Client
	mgr          *streaming.Manager
	proc         *processor
	scanInterval time.Duration
	batchSize    int64
	logger       *zap.Logger
}

// NewRetryWorker builds a retry-queue scanner.
func NewRetryWorker(client *streaming.Client, mgr *streaming.Manager, replay ReplayFunc, opts Options, scanInterval time.Duration, logger *zap.Logger) *RetryWorker {
	if scanInterval <= 0 {
		scanInterval = time.Second
	}
	return &RetryWorker{
		client:       client,
		mgr:          mgr,
		proc:         newProcessor(mgr, replay, opts, logger),
		scanInterval: scanInterval,
		batchSize:    100,
		logger:       logger,
	}
}

// Run blocks, scanning StreamRetry every scanInterval until ctx is cancelled.
func (r *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.scanOnce(ctx); err != nil {
				r.logger.Warn("retry scan failed", zap.Error(err))
			}
		}
	}
}

func (r *RetryWorker) scanOnce(ctx context.Context) error {
	entries, err := r.client.ReadRange(ctx, streaming.StreamRetry, "-", "+", r.batchSize)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, raw := range entries {
		entry, parseErr := ParseEntry(raw)
		if parseErr != nil {
			if err := r.client.Del(ctx, streaming.StreamRetry, raw.ID); err != nil {
				r.logger.Warn("failed to drop malformed retry entry", zap.String("id", raw.ID), zap.Error(err))
			}
			continue
		}
		if entry.NextRetryAt.After(now) {
			continue // not due yet, leave for a later scan
		}

		if err := r.proc.handle(ctx, streaming.StreamRetry, raw); err != nil {
			r.logger.Warn("retry handling failed, leaving entry for next scan",
				zap.String("id", raw.ID), zap.Error(err))
			continue
		}
		if err := r.client.Del(ctx, streaming.StreamRetry, raw.ID); err != nil {
			r.logger.Warn("failed to remove processed retry entry", zap.String("id", raw.ID), zap.Error(err))
		}
	}
	return nil
}
