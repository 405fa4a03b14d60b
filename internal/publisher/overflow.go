package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/merrors"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// overflowJob is one publish attempt that failed against the stream fabric
// and is waiting for a retry slot.
type overflowJob struct {
	stream string
	fields map[string]interface{}
}

// overflowQueue is the in-process bounded memory queue §4.4 requires: when
// the stream append itself fails (not the primary store), up to N entries
// are absorbed here instead of lost; overflow of the queue itself is fatal
// for the call that triggered it.
type overflowQueue struct {
	ch     chan overflowJob
	mgr    *streaming.Manager
	logger *zap.Logger
}

func newOverflowQueue(mgr *streaming.Manager, size int, logger *zap.Logger) *overflowQueue {
	return &overflowQueue{ch: make(chan overflowJob, size), mgr: mgr, logger: logger}
}

// push enqueues job, returning merrors.ErrOverflowBufferFull if the buffer
// is already at capacity.
func (q *overflowQueue) push(job overflowJob) error {
	select {
	case q.ch <- job:
		return nil
	default:
		return merrors.New(merrors.KindStream, "overflow.push", merrors.ErrOverflowBufferFull)
	}
}

// Run drains the queue, retrying each job against the stream fabric until it
// succeeds or the queue is saturated, at which point the oldest retry is
// logged and dropped rather than blocking the drain loop forever.
func (q *overflowQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.ch:
			if _, err := q.mgr.Publish(ctx, job.stream, job.fields); err != nil {
				q.logger.Warn("overflow republish failed, requeueing",
					zap.String("stream", job.stream), zap.Error(err))
				select {
				case q.ch <- job:
				default:
					q.logger.Error("overflow queue saturated, dropping entry", zap.String("stream", job.stream))
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
