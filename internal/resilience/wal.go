package resilience

import (
	"context"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// WALGroup is the consumer group every WAL worker instance shares.
const WALGroup = "wal-worker"

// WALWorker drains the write-ahead log that ResilientPublisher appends to
// when the primary store is unreachable, replaying each entry as soon as it
// can be leased. It runs continuously, triggered indirectly by the failure
// path appending new work rather than on a timer.
type WALWorker struct {
	mgr       *streaming.Manager
	proc      *processor
	consumer  string
	logger    *zap.Logger
}

// NewWALWorker builds a WAL worker. consumerName distinguishes this
// process's lease identity within WALGroup when multiple nodes run it.
func NewWALWorker(mgr *streaming.Manager, replay ReplayFunc, opts Options, consumerName string, logger *zap.Logger) *WALWorker {
	return &WALWorker{
		mgr:      mgr,
		proc:     newProcessor(mgr, replay, opts, logger),
		consumer: consumerName,
		logger:   logger,
	}
}

// Start bootstraps the consumer group and begins consuming StreamWAL.
func (w *WALWorker) Start(ctx context.Context) error {
	if err := w.mgr.Bootstrap(ctx, WALGroup, streaming.StreamWAL); err != nil {
		return err
	}
	w.mgr.ConsumePurging(ctx, streaming.StreamWAL, WALGroup, w.consumer, func(ctx context.Context, entry chatmodel.StreamEntry) error {
		return w.proc.handle(ctx, streaming.StreamWAL, entry)
	})
	return nil
}
