package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/metrics"
)

// pendingKeyPrefix extends the declared key namespace (§6 only names
// presence/user_data/rooms/streams explicitly) with the offline
// per-recipient queue the DeliveryEngine needs for NEW_MESSAGE/STATUS
// replay on reconnect.
const pendingKeyPrefix = "chat:cache:pending:"

func pendingKey(userID string) string {
	return pendingKeyPrefix + userID
}

func pendingSeqKey(userID string) string {
	return pendingKeyPrefix + "seq:" + userID
}

// PendingItem is one queued offline event, replayed in FIFO order once the
// recipient reconnects. Seq is a per-user monotonic counter (INCR-backed, not
// a Redis stream id) that lets the gateway bound replay to "everything after
// lastEventId" the same way the teacher's Last-Event-ID resume bounds replay
// by stream id/sequence.
type PendingItem struct {
	Seq      int64                  `json:"seq"`
	Event    string                 `json:"event"`
	Payload  map[string]interface{} `json:"payload"`
	QueuedAt time.Time              `json:"queuedAt"`
}

// PendingStore is the per-user offline queue backing §4.6 step 3's "queues
// the event into a per-user pending store with TTL" rule, and the
// "messagePending"/replay-on-reconnect half of the gateway's resync flow.
//
// Grounded on internal/usercache.Cache's Redis idiom (wrap the client call,
// normalise errors, TTL every write) applied to a list instead of a hash.
type PendingStore struct {
	redis    *redis.Client
	ttl      time.Duration
	maxItems int64
	logger   *zap.Logger
}

// NewPendingStore builds a PendingStore. ttl<=0 defaults to 7 days,
// maxItems<=0 defaults to 500 (bounds a single user's offline backlog).
func NewPendingStore(rdb *redis.Client, ttl time.Duration, maxItems int, logger *zap.Logger) *PendingStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if maxItems <= 0 {
		maxItems = 500
	}
	return &PendingStore{redis: rdb, ttl: ttl, maxItems: int64(maxItems), logger: logger}
}

// Enqueue appends an item to userId's pending list, trimming to maxItems
// (oldest first) and refreshing TTL.
func (s *PendingStore) Enqueue(ctx context.Context, userID, event string, payload map[string]interface{}) error {
	seq, err := s.redis.Incr(ctx, pendingSeqKey(userID)).Result()
	if err != nil {
		return err
	}
	item := PendingItem{Seq: seq, Event: event, Payload: payload, QueuedAt: time.Now()}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}

	key := pendingKey(userID)
	pipe := s.redis.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.maxItems, -1)
	pipe.Expire(ctx, key, s.ttl)
	pipe.Expire(ctx, pendingSeqKey(userID), s.ttl)
	_, err = pipe.Exec(ctx)
	if err == nil {
		metrics.PendingQueueDepth.Inc()
	}
	return err
}

// Drain removes every queued item for userId and returns those with
// Seq > sinceSeq, in FIFO order, for the gateway's reconnect replay.
// sinceSeq<=0 replays the whole queue — the client's first-ever connect, or
// any reconnect that didn't carry a lastEventId, has nothing to bound by.
// The queue is always fully removed regardless of sinceSeq: a client that
// names a cursor has already seen everything up to it, and items at or
// below sinceSeq are stale past this point either way.
func (s *PendingStore) Drain(ctx context.Context, userID string, sinceSeq int64) ([]PendingItem, error) {
	key := pendingKey(userID)
	raw, err := s.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("pending: drain cleanup failed", zap.String("userId", userID), zap.Error(err))
	}

	items := make([]PendingItem, 0, len(raw))
	for _, r := range raw {
		var item PendingItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			s.logger.Warn("pending: dropping malformed queued item", zap.String("userId", userID), zap.Error(err))
			continue
		}
		if item.Seq <= sinceSeq {
			continue
		}
		items = append(items, item)
	}
	metrics.PendingQueueDepth.Sub(float64(len(raw)))
	return items, nil
}
