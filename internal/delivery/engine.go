// Package delivery implements the DeliveryEngine (C11): it consumes the
// message, status, interaction and conversation-event streams and fans each
// entry out to the online sessions of its resolved recipients, queueing
// NEW_MESSAGE/STATUS events for offline recipients and dropping the rest
// (§4.6).
//
// Grounded on internal/streaming.Manager.Consume for the per-stream polling
// loop (leave the entry unacked on handler error so the consumer loop rereads
// it from its own pending list and retries it) and on the orchestrator's worker-pool idiom of hashing a
// partition key to a fixed-size pool of channels to get ordered, serialised
// processing per key without a global lock.
package delivery

import (
	"context"
	"hash/fnv"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/metrics"
	"github.com/chatcore/messaging-core/internal/presence"
	"github.com/chatcore/messaging-core/internal/repository"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// ConsumerGroup is the consumer group every delivery-engine instance shares.
const ConsumerGroup = "delivery-engine"

// DefaultWorkerPoolSize is the fixed worker-pool degree used to preserve
// per-conversation FIFO ordering (§5).
const DefaultWorkerPoolSize = 16

// Dispatcher sends a serialised event to one connected session. The
// SocketGateway (C12) implements this; the engine never imports it, to keep
// the dependency edge pointing gateway -> delivery, not back.
type Dispatcher interface {
	Send(ctx context.Context, sessionID, event string, payload map[string]interface{}) error
}

// job is one resolved-recipient dispatch, routed to a fixed worker by
// hash(conversationId) so all work for one conversation is handled by the
// same worker in arrival order.
type job struct {
	conversationID string
	recipients     []string
	event          string
	payload        map[string]interface{}
	queueable      bool
	done           chan error
}

// Engine is the DeliveryEngine (C11).
type Engine struct {
	repo       repository.Repository
	registry   *presence.Registry
	dispatcher Dispatcher
	pending    *PendingStore
	mgr        *streaming.Manager
	logger     *zap.Logger

	lanes []chan job
}

// New builds an Engine with poolSize worker lanes (<=0 defaults to
// DefaultWorkerPoolSize).
func New(repo repository.Repository, registry *presence.Registry, dispatcher Dispatcher, pending *PendingStore, mgr *streaming.Manager, poolSize int, logger *zap.Logger) *Engine {
	if poolSize <= 0 {
		poolSize = DefaultWorkerPoolSize
	}
	e := &Engine{
		repo:       repo,
		registry:   registry,
		dispatcher: dispatcher,
		pending:    pending,
		mgr:        mgr,
		logger:     logger,
		lanes:      make([]chan job, poolSize),
	}
	return e
}

// Start bootstraps the delivery-engine consumer group on every stream
// family it handles and launches the worker-pool lanes plus one reader loop
// per stream. consumerName distinguishes this process among peers sharing
// ConsumerGroup.
func (e *Engine) Start(ctx context.Context, consumerName string) error {
	for i := range e.lanes {
		e.lanes[i] = make(chan job, 64)
		go e.runLane(ctx, e.lanes[i])
	}

	streams := append(append(append(
		streaming.AllMessageStreams(),
		streaming.AllStatusStreams()...),
		streaming.AllInteractionStreams()...),
		streaming.StreamEventsConversations)

	if err := e.mgr.Bootstrap(ctx, ConsumerGroup, streams...); err != nil {
		return err
	}
	for _, s := range streams {
		stream := s
		e.mgr.Consume(ctx, stream, ConsumerGroup, consumerName, func(ctx context.Context, entry chatmodel.StreamEntry) error {
			return e.handle(ctx, stream, entry)
		})
	}
	return nil
}

func (e *Engine) runLane(ctx context.Context, lane chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-lane:
			if !ok {
				return
			}
			j.done <- e.dispatch(ctx, j)
		}
	}
}

func laneIndex(conversationID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(n))
}

// handle classifies entry by the stream it arrived on, resolves recipients,
// and blocks until the assigned lane has dispatched it to every online
// session. Returning an error leaves the entry unacked (§4.6 step 4: a
// repository lookup failure during recipient resolution re-queues the entry
// to this same consumer — Manager.runConsumer reclaims its own unacked
// entries on every pass and retries them, so the failed lookup simply
// gets another attempt rather than being lost).
func (e *Engine) handle(ctx context.Context, stream string, entry chatmodel.StreamEntry) error {
	classified, err := classify(stream, entry)
	if err != nil {
		e.logger.Warn("delivery: dropping unclassifiable entry", zap.String("id", entry.ID), zap.Error(err))
		return nil
	}

	recipients, err := e.resolveRecipients(ctx, classified)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}

	j := job{
		conversationID: classified.conversationID,
		recipients:     recipients,
		event:          classified.outboundEvent,
		payload:        classified.payload,
		queueable:      classified.queueable,
		done:           make(chan error, 1),
	}

	idx := laneIndex(classified.conversationID, len(e.lanes))
	select {
	case e.lanes[idx] <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch emits j.event to every online session of every recipient,
// queueing for recipients with no online session when j.queueable (§4.6
// step 3). Dispatch failures to a specific session are logged and ignored.
func (e *Engine) dispatch(ctx context.Context, j job) error {
	for _, recipient := range j.recipients {
		sessions := e.registry.SessionsFor(recipient)
		if len(sessions) == 0 {
			if j.queueable && e.pending != nil {
				if err := e.pending.Enqueue(ctx, recipient, j.event, j.payload); err != nil {
					e.logger.Warn("delivery: pending enqueue failed", zap.String("userId", recipient), zap.Error(err))
				}
				metrics.RecordDispatch(j.event, "queued")
			} else {
				metrics.RecordDispatch(j.event, "dropped")
			}
			continue
		}
		for _, sessionID := range sessions {
			if err := e.dispatcher.Send(ctx, sessionID, j.event, j.payload); err != nil {
				e.logger.Warn("delivery: session dispatch failed, will resync on reconnect",
					zap.String("sessionId", sessionID), zap.String("event", j.event), zap.Error(err))
				continue
			}
			metrics.RecordDispatch(j.event, "online")
		}
	}
	return nil
}
