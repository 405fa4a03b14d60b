package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// idempotencyStore short-circuits a duplicate clientMsgId within a TTL
// window (§9 supplemented feature), grounded on the gateway's
// IdempotencyMiddleware: same sha256 cache-key shape, swapped from
// caching an HTTP response body to caching a claimed messageId.
type idempotencyStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewIdempotencyStore builds the dispatch-side idempotency store. A TTL of
// zero defaults to 24h, matching the gateway middleware's cache lifetime.
func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *idempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &idempotencyStore{redis: rdb, ttl: ttl}
}

func (s *idempotencyStore) cacheKey(clientMsgID, userID string) string {
	h := sha256.New()
	h.Write([]byte(clientMsgID))
	h.Write([]byte(":"))
	h.Write([]byte(userID))
	return "chat:idempotency:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// claim atomically reserves clientMsgId for messageID. If another call
// already claimed it first, claimed is false and existingID is the
// previously stored messageId the caller should return instead of
// re-persisting.
func (s *idempotencyStore) claim(ctx context.Context, clientMsgID, userID, messageID string) (existingID string, claimed bool, err error) {
	key := s.cacheKey(clientMsgID, userID)

	ok, err := s.redis.SetNX(ctx, key, messageID, s.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}

	existing, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Key expired between SetNX and Get; treat as a fresh claim attempt.
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}
