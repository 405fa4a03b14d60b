// Package streaming is the typed wrapper over the append-only log fabric
// (Redis Streams) the rest of the messaging core is built on: StreamClient
// is the thin XADD/XREAD/XREADGROUP primitive layer, StreamManager owns the
// named-stream registry and consumer-group bootstrap on top of it.
//
// Grounded on the orchestrator's internal/streaming.Manager reader-goroutine
// and backoff idiom, generalized from a single workflow-events stream to the
// full named-stream registry this domain needs.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
)

// Client is a typed wrapper over Redis Streams operations (C1).
type Client struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewClient wraps an existing Redis client.
func NewClient(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{redis: rdb, logger: logger}
}

// normalizeFields converts arbitrary field values to the strings StreamEntry
// carries: nil/undefined -> "", objects -> canonical JSON, everything else
// via fmt.Sprint.
func normalizeFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case map[string]interface{}, []interface{}:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = ""
				continue
			}
			out[k] = string(b)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// Append adds an entry to stream with an approximate MAXLEN trim hint and
// returns the assigned id.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error) {
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: maxLen > 0,
		Values: normalizeFields(fields),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append %s: %w", stream, err)
	}
	return id, nil
}

// ReadRange returns entries in [from, to], capped to count (0 = unbounded).
func (c *Client) ReadRange(ctx context.Context, stream, from, to string, count int64) ([]chatmodel.StreamEntry, error) {
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = c.redis.XRangeN(ctx, stream, from, to, count).Result()
	} else {
		msgs, err = c.redis.XRange(ctx, stream, from, to).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("readRange %s: %w", stream, err)
	}
	return toEntries(msgs), nil
}

// ReadBlocking issues a blocking XREAD starting strictly after fromID.
func (c *Client) ReadBlocking(ctx context.Context, stream, fromID string, count int64, blockMs int) ([]chatmodel.StreamEntry, error) {
	res, err := c.redis.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, fromID},
		Count:   count,
		Block:   msDuration(blockMs),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readBlocking %s: %w", stream, err)
	}
	var out []chatmodel.StreamEntry
	for _, s := range res {
		out = append(out, toEntries(s.Messages)...)
	}
	return out, nil
}

// ReadGroup leases a bounded batch from a consumer group.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, blockMs int) ([]chatmodel.StreamEntry, error) {
	res, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    msDuration(blockMs),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readGroup %s/%s: %w", stream, group, err)
	}
	var out []chatmodel.StreamEntry
	for _, s := range res {
		out = append(out, toEntries(s.Messages)...)
	}
	return out, nil
}

// ReadGroupPending re-reads entries already delivered to consumer under
// group that were never acked, by passing "0" instead of ">" as the start
// id (XREADGROUP's own-history read, not a new claim). Used to redeliver an
// entry a handler failed to process without requiring a separate retry
// stream for it.
func (c *Client) ReadGroupPending(ctx context.Context, stream, group, consumer string, count int64) ([]chatmodel.StreamEntry, error) {
	res, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readGroupPending %s/%s: %w", stream, group, err)
	}
	var out []chatmodel.StreamEntry
	for _, s := range res {
		out = append(out, toEntries(s.Messages)...)
	}
	return out, nil
}

// Ack acknowledges one entry as processed for group.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.redis.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s/%s/%s: %w", stream, group, id, err)
	}
	return nil
}

// Del removes an entry from the stream outright (used after DLQ/fallback
// promotion or on poison-message drop).
func (c *Client) Del(ctx context.Context, stream, id string) error {
	if err := c.redis.XDel(ctx, stream, id).Err(); err != nil {
		return fmt.Errorf("del %s/%s: %w", stream, id, err)
	}
	return nil
}

// CreateGroup bootstraps a consumer group, creating the stream if absent when
// mkStream is set. BUSYGROUP (the group already exists) is swallowed as
// success so this is safe to call idempotently on every start.
func (c *Client) CreateGroup(ctx context.Context, stream, group, startID string, mkStream bool) error {
	var err error
	if mkStream {
		err = c.redis.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	} else {
		err = c.redis.XGroupCreate(ctx, stream, group, startID).Err()
	}
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("createGroup %s/%s: %w", stream, group, err)
	}
	return nil
}

// Length returns the approximate current length of the stream (XLEN).
func (c *Client) Length(ctx context.Context, stream string) (int64, error) {
	n, err := c.redis.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// Trim caps stream to at most maxLen entries (approximate), used by the
// user-cache prewarmer to drain events:users before republishing a fresh
// snapshot (§4.9, §9 open question on the stream-publishing prewarmer).
func (c *Client) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := c.redis.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("trim %s: %w", stream, err)
	}
	return nil
}

func toEntries(msgs []redis.XMessage) []chatmodel.StreamEntry {
	out := make([]chatmodel.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprint(v)
			}
		}
		out = append(out, chatmodel.StreamEntry{ID: m.ID, Fields: fields})
	}
	return out
}

// msDuration converts a millisecond blocking hint to the Duration go-redis's
// XRead/XReadGroup Block option expects. ms<=0 means "do not block" (negative
// Duration omits the BLOCK option entirely); ms>0 blocks for that long.
// Note this intentionally differs from raw Redis's own "BLOCK 0 = forever"
// convention, since every caller here wants a bounded or immediate read.
func msDuration(ms int) time.Duration {
	if ms <= 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}
