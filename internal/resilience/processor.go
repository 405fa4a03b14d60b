package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/merrors"
	"github.com/chatcore/messaging-core/internal/metrics"
	"github.com/chatcore/messaging-core/internal/streaming"
	"github.com/chatcore/messaging-core/internal/util"
)

// ReplayResult is what a ReplayFunc returns on success: the derived event to
// publish (empty Stream means nothing to publish, e.g. a pure status write).
type ReplayResult struct {
	Stream string
	Fields map[string]interface{}
}

// ReplayFunc re-applies a staged payload against the primary-store operation
// it originally represented (step 3 of the per-entry contract).
type ReplayFunc func(ctx context.Context, data string) (*ReplayResult, error)

// Options tunes the shared per-entry contract across WAL/Retry/Fallback.
type Options struct {
	MaxRetries        int
	RetryBase         time.Duration
	JitterPercent     float64
	DLQReasonMaxBytes int
}

// processor implements the six-step per-entry contract shared by every
// worker: parse, replay, and on failure either reschedule into Retry or
// escalate to DLQ.
type processor struct {
	mgr     *streaming.Manager
	replay  ReplayFunc
	opts    Options
	logger  *zap.Logger
	corrupt int64 // corruption counter, malformed entries seen
}

func newProcessor(mgr *streaming.Manager, replay ReplayFunc, opts Options, logger *zap.Logger) *processor {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if opts.DLQReasonMaxBytes <= 0 {
		opts.DLQReasonMaxBytes = 300
	}
	return &processor{mgr: mgr, replay: replay, opts: opts, logger: logger}
}

// handle runs the full per-entry contract (steps 1, 3-6; step 2's
// due-time check is the caller's responsibility before invoking handle).
// It always returns nil for "the source entry is fully accounted for and
// may be acked/deleted" — the only error it returns is a transient one from
// the derived publish itself, which should leave the entry for redelivery.
func (p *processor) handle(ctx context.Context, sourceName string, raw chatmodel.StreamEntry) error {
	entry, err := ParseEntry(raw)
	if err != nil {
		p.corrupt++
		p.logger.Warn("dropping malformed stream entry",
			zap.String("source", sourceName), zap.String("id", raw.ID), zap.Error(err))
		return nil
	}

	result, replayErr := p.replay(ctx, entry.Data)
	if replayErr == nil {
		if result != nil && result.Stream != "" {
			if _, err := p.mgr.Publish(ctx, result.Stream, result.Fields); err != nil {
				return err
			}
		}
		metrics.RecordResilienceOutcome(sourceName, "recovered")
		return nil
	}

	if merrors.Is(replayErr, merrors.KindPoisonMessage) {
		metrics.RecordResilienceOutcome(sourceName, "poison")
		return p.toDLQ(ctx, entry, replayErr)
	}

	if entry.Attempt < p.opts.MaxRetries {
		next := Entry{
			Data:      entry.Data,
			Attempt:   entry.Attempt + 1,
			Timestamp: entry.Timestamp,
			NextRetryAt: time.Now().Add(BackoffWithJitter(
				p.opts.RetryBase, entry.Attempt, p.opts.JitterPercent, rand.Float64)),
		}
		if _, err := p.mgr.Publish(ctx, streaming.StreamRetry, next.Fields()); err != nil {
			return err
		}
		metrics.RecordResilienceOutcome(sourceName, "rescheduled")
		return nil
	}

	metrics.RecordResilienceOutcome(sourceName, "dlq")
	return p.toDLQ(ctx, entry, replayErr)
}

func (p *processor) toDLQ(ctx context.Context, entry Entry, cause error) error {
	limit := p.opts.DLQReasonMaxBytes
	reason := util.TruncateString(cause.Error(), limit, true)
	// TruncateString counts runes; shrink until the reason fits the byte cap.
	for len(reason) > p.opts.DLQReasonMaxBytes && limit > 0 {
		limit--
		reason = util.TruncateString(cause.Error(), limit, true)
	}
	fields := entry.Fields()
	fields["reason"] = reason
	fields["attempts"] = entry.Attempt
	if _, err := p.mgr.Publish(ctx, streaming.StreamDLQ, fields); err != nil {
		return err
	}
	p.logger.Warn("staged entry exhausted retries, moved to dead-letter", zap.String("reason", reason))
	return nil
}
