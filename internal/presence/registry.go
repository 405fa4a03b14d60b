// Package presence implements the PresenceRegistry (C10): the in-memory,
// Redis-mirrored socket↔user↔room bookkeeping the DeliveryEngine and
// SocketGateway share (§4.7).
//
// The in-memory maps are the single source of truth for this node; Redis is
// a best-effort mirror for cross-node visibility (the admin surface, other
// nodes resolving "is this user online somewhere"). Per §5, reads take no
// lock (lock-free snapshots copied out under a brief read lock) and writes
// take a mutex scoped to a shard of the key space, not one global lock.
//
// Redis calls here go straight to redis.UniversalClient rather than through
// circuitbreaker.RedisWrapper: the registry pipelines and batches lookups in
// ways a single-key wrapper can't represent, and a transport error just
// falls back to the in-memory view rather than needing breaker gating.
package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/metrics"
)

// DefaultShardCount is the number of independent lock domains the registry
// partitions its key spaces across.
const DefaultShardCount = 32

// DefaultHeartbeatInterval is how often the per-node heartbeat refreshes TTL
// on presence records mirrored in Redis.
const DefaultHeartbeatInterval = 20 * time.Second

// DefaultPresenceTTL is how long a mirrored presence record survives in
// Redis without a heartbeat before it's considered stale.
const DefaultPresenceTTL = 60 * time.Second

// record is the per-user presence record (§4.7: "a per-user presence record
// with lastSeen").
type record struct {
	lastSeen time.Time
}

// shard owns one lock domain's slice of all three mappings. A given shard
// index can simultaneously hold entries keyed by userId (userSessions,
// presenceByUser), by sessionId (userBySession), and by conversationId
// (roomMembers) — the three key spaces are independent, so collisions
// across them are irrelevant; only same-keyspace operations ever contend.
type shard struct {
	mu             sync.RWMutex
	userSessions   map[string]map[string]struct{} // userId -> set of sessionId
	userBySession  map[string]string              // sessionId -> userId
	roomMembers    map[string]map[string]struct{} // conversationId -> set of userId
	presenceByUser map[string]*record              // userId -> presence record
}

func newShard() *shard {
	return &shard{
		userSessions:   make(map[string]map[string]struct{}),
		userBySession:  make(map[string]string),
		roomMembers:    make(map[string]map[string]struct{}),
		presenceByUser: make(map[string]*record),
	}
}

// Registry is the PresenceRegistry.
type Registry struct {
	shards []*shard
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRegistry builds a Registry with shardCount lock domains (<=0 defaults
// to DefaultShardCount) and ttl for mirrored Redis presence records (<=0
// defaults to DefaultPresenceTTL).
func NewRegistry(rdb *redis.Client, shardCount int, ttl time.Duration, logger *zap.Logger) *Registry {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Registry{shards: shards, redis: rdb, ttl: ttl, logger: logger}
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// OnConnect binds sessionId to userId, both in memory and mirrored to
// Redis. Idempotent: reconnecting the same session just refreshes lastSeen.
func (r *Registry) OnConnect(ctx context.Context, sessionID, userID string) error {
	s := r.shardFor(userID)
	s.mu.Lock()
	if s.userSessions[userID] == nil {
		s.userSessions[userID] = make(map[string]struct{})
	}
	s.userSessions[userID][sessionID] = struct{}{}
	s.presenceByUser[userID] = &record{lastSeen: time.Now()}
	s.mu.Unlock()

	r.shardFor(sessionID).mu.Lock()
	r.shardFor(sessionID).userBySession[sessionID] = userID
	r.shardFor(sessionID).mu.Unlock()

	metrics.SessionsOnline.Inc()
	return r.mirrorPresence(ctx, userID)
}

// OnDisconnect unbinds a session. If it was the user's last session, the
// presence record is dropped and its Redis mirror key is deleted.
func (r *Registry) OnDisconnect(ctx context.Context, sessionID string) error {
	sessShard := r.shardFor(sessionID)
	sessShard.mu.Lock()
	userID, ok := sessShard.userBySession[sessionID]
	if ok {
		delete(sessShard.userBySession, sessionID)
	}
	sessShard.mu.Unlock()
	if !ok {
		return nil
	}

	userShard := r.shardFor(userID)
	userShard.mu.Lock()
	sessions := userShard.userSessions[userID]
	delete(sessions, sessionID)
	empty := len(sessions) == 0
	if empty {
		delete(userShard.userSessions, userID)
		delete(userShard.presenceByUser, userID)
	}
	userShard.mu.Unlock()

	metrics.SessionsOnline.Dec()
	if empty {
		return r.deletePresenceMirror(ctx, userID)
	}
	return nil
}

// Join adds userId to conversationId's online-room set.
func (r *Registry) Join(ctx context.Context, userID, conversationID string) error {
	s := r.shardFor(conversationID)
	s.mu.Lock()
	if s.roomMembers[conversationID] == nil {
		s.roomMembers[conversationID] = make(map[string]struct{})
	}
	s.roomMembers[conversationID][userID] = struct{}{}
	s.mu.Unlock()

	if r.redis == nil {
		return nil
	}
	if err := r.redis.SAdd(ctx, roomKey(conversationID), userID).Err(); err != nil {
		r.logger.Warn("presence: mirror join failed", zap.String("conversationId", conversationID), zap.Error(err))
	}
	return nil
}

// Leave removes userId from conversationId's online-room set.
func (r *Registry) Leave(ctx context.Context, userID, conversationID string) error {
	s := r.shardFor(conversationID)
	s.mu.Lock()
	if members := s.roomMembers[conversationID]; members != nil {
		delete(members, userID)
		if len(members) == 0 {
			delete(s.roomMembers, conversationID)
		}
	}
	s.mu.Unlock()

	if r.redis == nil {
		return nil
	}
	if err := r.redis.SRem(ctx, roomKey(conversationID), userID).Err(); err != nil {
		r.logger.Warn("presence: mirror leave failed", zap.String("conversationId", conversationID), zap.Error(err))
	}
	return nil
}

// SessionsFor returns a snapshot of userId's currently connected sessions.
func (r *Registry) SessionsFor(userID string) []string {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := s.userSessions[userID]
	out := make([]string, 0, len(sessions))
	for id := range sessions {
		out = append(out, id)
	}
	return out
}

// OnlineParticipants returns a snapshot of conversationId's online members
// (per §4.6 step 3, the recipient set the DeliveryEngine fans out to).
func (r *Registry) OnlineParticipants(conversationID string) []string {
	s := r.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.roomMembers[conversationID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// IsOnline reports whether userId has at least one connected session on
// this node.
func (r *Registry) IsOnline(userID string) bool {
	return len(r.SessionsFor(userID)) > 0
}
