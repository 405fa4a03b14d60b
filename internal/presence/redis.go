package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Key namespace per §6: "chat:cache:presence:{userId}", "chat:cache:rooms:{conversationId}".
const (
	presenceKeyPrefix = "chat:cache:presence:"
	roomKeyPrefix     = "chat:cache:rooms:"
)

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

func roomKey(conversationID string) string {
	return roomKeyPrefix + conversationID
}

// mirrorPresence writes (or refreshes) userId's presence hash in Redis with
// the registry's TTL. Best-effort: a transport error is logged, never
// returned to the caller, since in-memory state is authoritative for this
// node (§4.7).
func (r *Registry) mirrorPresence(ctx context.Context, userID string) error {
	if r.redis == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := r.redis.Pipeline()
	pipe.HSet(ctx, presenceKey(userID), "lastSeen", now, "node", "local")
	pipe.Expire(ctx, presenceKey(userID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("presence: mirror connect failed", zap.String("userId", userID), zap.Error(err))
	}
	return nil
}

// deletePresenceMirror removes userId's presence hash once its last local
// session disconnects.
func (r *Registry) deletePresenceMirror(ctx context.Context, userID string) error {
	if r.redis == nil {
		return nil
	}
	if err := r.redis.Del(ctx, presenceKey(userID)).Err(); err != nil {
		r.logger.Warn("presence: mirror disconnect failed", zap.String("userId", userID), zap.Error(err))
	}
	return nil
}

// touchAll refreshes the Redis TTL on every locally-online user's presence
// record and updates their in-memory lastSeen. Called by the heartbeat loop.
func (r *Registry) touchAll(ctx context.Context) {
	now := time.Now()
	for _, s := range r.shards {
		s.mu.Lock()
		users := make([]string, 0, len(s.presenceByUser))
		for userID, rec := range s.presenceByUser {
			rec.lastSeen = now
			users = append(users, userID)
		}
		s.mu.Unlock()

		for _, userID := range users {
			if err := r.mirrorPresence(ctx, userID); err != nil {
				r.logger.Warn("presence: heartbeat mirror failed", zap.String("userId", userID), zap.Error(err))
			}
		}
	}
}

// StartHeartbeat runs the per-node heartbeat that refreshes TTL on presence
// records until ctx is cancelled (§4.7: "a per-node heartbeat refreshes TTL
// on user presence records").
func (r *Registry) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.touchAll(ctx)
			}
		}
	}()
}
