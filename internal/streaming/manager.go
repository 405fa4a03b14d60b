package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/config"
	"github.com/chatcore/messaging-core/internal/merrors"
)

// HandlerFunc processes one leased stream entry. Returning an error leaves
// the entry unacked; Manager.runConsumer reclaims its own consumer's
// pending entries on every pass (XREADGROUP ... "0") and retries them, so
// an entry is redelivered to the same consumer until it either succeeds or
// the process restarts under a new consumer name.
type HandlerFunc func(ctx context.Context, entry chatmodel.StreamEntry) error

// Manager is the stream registry: it knows the declared MAXLEN for every
// named stream, bootstraps consumer groups on demand, and runs the
// XREADGROUP polling loop for registered handlers.
//
// Grounded on the orchestrator's internal/streaming.Manager: same blocking
// read loop with capped exponential backoff on transient errors and the
// same two-phase shutdown (stop readers, wait for them, then return), here
// generalized from one workflow-events stream to the full named-stream
// registry this domain needs.
type Manager struct {
	client *Client
	cfg    map[string]config.StreamConfig
	logger *zap.Logger

	mu        sync.Mutex
	consumers []*consumerLoop

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

type consumerLoop struct {
	stream, group, name string
	cancel               context.CancelFunc
}

// NewManager builds a Manager over an existing Client. streamCfg is
// typically config.Config.Streams; streams without an entry fall back to
// defaultMaxLen.
func NewManager(client *Client, streamCfg map[string]config.StreamConfig, logger *zap.Logger) *Manager {
	return &Manager{
		client:     client,
		cfg:        streamCfg,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// maxLenFor returns the declared MAXLEN for stream, or defaultMaxLen.
func (m *Manager) maxLenFor(stream string) int64 {
	if c, ok := m.cfg[stream]; ok && c.MaxLen > 0 {
		return c.MaxLen
	}
	return defaultMaxLen
}

// Publish appends an entry to stream using its declared trim policy.
func (m *Manager) Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	id, err := m.client.Append(ctx, stream, fields, m.maxLenFor(stream))
	if err != nil {
		return "", merrors.New(merrors.KindStream, "streaming.Publish", err)
	}
	return id, nil
}

// Bootstrap creates the consumer group for each stream, starting from the
// beginning of the stream ("0") so nothing already written is skipped. Safe
// to call on every process start: BUSYGROUP is swallowed by Client.CreateGroup.
func (m *Manager) Bootstrap(ctx context.Context, group string, streams ...string) error {
	for _, s := range streams {
		if err := m.client.CreateGroup(ctx, s, group, "0", true); err != nil {
			return fmt.Errorf("bootstrap %s/%s: %w", s, group, err)
		}
	}
	return nil
}

// consumerOpts tunes one registered polling loop.
type consumerOpts struct {
	batchSize int
	blockMs   int
}

var defaultConsumerOpts = consumerOpts{batchSize: 32, blockMs: 5000}

// Consume registers a polling loop that leases entries from stream under
// group/consumerName and hands each to handle, acking on success. The loop
// runs until Shutdown is called or ctx is cancelled.
func (m *Manager) Consume(ctx context.Context, stream, group, consumerName string, handle HandlerFunc) {
	m.consume(ctx, stream, group, consumerName, handle, false)
}

// ConsumePurging behaves like Consume but additionally XDELs each entry once
// it has been acked, for the WAL/Retry/Fallback shared per-entry contract
// (§4.5: lease, process, XACK, XDEL) where the stream is a resilience queue
// rather than a durable content or event log that other consumers still
// need to read.
func (m *Manager) ConsumePurging(ctx context.Context, stream, group, consumerName string, handle HandlerFunc) {
	m.consume(ctx, stream, group, consumerName, handle, true)
}

func (m *Manager) consume(ctx context.Context, stream, group, consumerName string, handle HandlerFunc, purge bool) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.consumers = append(m.consumers, &consumerLoop{stream: stream, group: group, name: consumerName, cancel: cancel})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runConsumer(loopCtx, stream, group, consumerName, handle, purge)
}

func (m *Manager) runConsumer(ctx context.Context, stream, group, consumerName string, handle HandlerFunc, purge bool) {
	defer m.wg.Done()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownCh:
			return
		default:
		}

		// Reclaim this consumer's own unacked entries from a prior pass
		// before blocking on new ones: a handler error leaves an entry
		// unacked (never XDEL'd, never claimed by anyone else), so it sits
		// in the consumer's PEL until this same read picks it up again.
		pending, err := m.client.ReadGroupPending(ctx, stream, group, consumerName, int64(defaultConsumerOpts.batchSize))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("pending-entry reclaim failed",
				zap.String("stream", stream), zap.String("group", group), zap.Error(err))
		} else {
			m.processEntries(ctx, stream, group, pending, purge, handle)
		}

		entries, err := m.client.ReadGroup(ctx, stream, group, consumerName, int64(defaultConsumerOpts.batchSize), defaultConsumerOpts.blockMs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("stream read failed, backing off",
				zap.String("stream", stream), zap.String("group", group), zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		m.processEntries(ctx, stream, group, entries, purge, handle)
	}
}

// processEntries runs handle over a leased or reclaimed batch, acking (and
// purging, when purge is set) each entry the handler accepts. An entry the
// handler rejects is left exactly as leased so the next pass's
// ReadGroupPending call above picks it back up.
func (m *Manager) processEntries(ctx context.Context, stream, group string, entries []chatmodel.StreamEntry, purge bool, handle HandlerFunc) {
	for _, e := range entries {
		if err := handle(ctx, e); err != nil {
			m.logger.Warn("handler failed, leaving entry pending",
				zap.String("stream", stream), zap.String("id", e.ID), zap.Error(err))
			continue
		}
		if err := m.client.Ack(ctx, stream, group, e.ID); err != nil {
			m.logger.Warn("ack failed", zap.String("stream", stream), zap.String("id", e.ID), zap.Error(err))
		}
		if purge {
			if err := m.client.Del(ctx, stream, e.ID); err != nil {
				m.logger.Warn("purge failed", zap.String("stream", stream), zap.String("id", e.ID), zap.Error(err))
			}
		}
	}
}

// Shutdown stops every registered consumer loop and waits for them to drain,
// bounded by the caller's context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.shutdownCh)

	m.mu.Lock()
	for _, c := range m.consumers {
		c.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
