// Package usercache implements UserCache + UserStreamConsumer (C9): a
// Redis hash-keyed profile cache kept warm by a dedicated consumer on
// events:users instead of HTTP chatter with the profile service.
//
// Calls redis.UniversalClient directly rather than through
// circuitbreaker.RedisWrapper, since batch/pipelined profile lookups don't
// fit that wrapper's single-key Ping surface; normalise redis.Nil the same
// way the wrapper's Ping does. Grounded on internal/streaming.Manager.Consume
// for the background warming loop.
package usercache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/metrics"
)

// keyPrefix matches §4.9's declared cache key shape, user:profile:{matricule}.
const keyPrefix = "user:profile:"

func profileKey(matricule string) string {
	return keyPrefix + matricule
}

// Cache is the UserCache (C9): a hash-keyed, TTL'd profile store.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
	logger *zap.Logger
}

// NewCache builds a Cache. ttl<=0 defaults to chatmodel.ProfileCacheTTL (7d).
func NewCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = chatmodel.ProfileCacheTTL
	}
	return &Cache{redis: rdb, ttl: ttl, logger: logger}
}

func toHash(p *chatmodel.UserProfile) map[string]interface{} {
	return map[string]interface{}{
		"id":        p.ID,
		"nom":       p.Nom,
		"prenom":    p.Prenom,
		"fullName":  p.EffectiveFullName(),
		"avatar":    p.Avatar,
		"matricule": p.Matricule,
		"ministere": p.Ministere,
		"sexe":      p.Sexe,
		"updatedAt": p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func fromHash(fields map[string]string) *chatmodel.UserProfile {
	p := &chatmodel.UserProfile{
		ID:        fields["id"],
		Nom:       fields["nom"],
		Prenom:    fields["prenom"],
		FullName:  fields["fullName"],
		Avatar:    fields["avatar"],
		Matricule: fields["matricule"],
		Ministere: fields["ministere"],
		Sexe:      fields["sexe"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updatedAt"]); err == nil {
		p.UpdatedAt = ts
	}
	return p
}

// Set writes profile to its hash key with the configured TTL.
func (c *Cache) Set(ctx context.Context, profile *chatmodel.UserProfile) error {
	key := profileKey(profile.Matricule)
	pipe := c.redis.TxPipeline()
	pipe.HSet(ctx, key, toHash(profile))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usercache.Set %s: %w", profile.Matricule, err)
	}
	return nil
}

// Get returns the cached profile for matricule, or ok=false on a cache miss.
func (c *Cache) Get(ctx context.Context, matricule string) (*chatmodel.UserProfile, bool, error) {
	fields, err := c.redis.HGetAll(ctx, profileKey(matricule)).Result()
	if err != nil {
		metrics.RecordUserCacheLookup("error")
		return nil, false, fmt.Errorf("usercache.Get %s: %w", matricule, err)
	}
	if len(fields) == 0 {
		metrics.RecordUserCacheLookup("miss")
		return nil, false, nil
	}
	metrics.RecordUserCacheLookup("hit")
	return fromHash(fields), true, nil
}

// BatchGet pipelines HGetAll across matricules, returning only the hits.
func (c *Cache) BatchGet(ctx context.Context, matricules []string) (map[string]*chatmodel.UserProfile, error) {
	if len(matricules) == 0 {
		return map[string]*chatmodel.UserProfile{}, nil
	}

	pipe := c.redis.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(matricules))
	for _, m := range matricules {
		cmds[m] = pipe.HGetAll(ctx, profileKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("usercache.BatchGet: %w", err)
	}

	out := make(map[string]*chatmodel.UserProfile, len(matricules))
	for m, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		out[m] = fromHash(fields)
	}
	return out, nil
}

// Invalidate removes matricule's cached profile outright.
func (c *Cache) Invalidate(ctx context.Context, matricule string) error {
	if err := c.redis.Del(ctx, profileKey(matricule)).Err(); err != nil {
		return fmt.Errorf("usercache.Invalidate %s: %w", matricule, err)
	}
	return nil
}

// Exists reports whether matricule currently has a cached profile.
func (c *Cache) Exists(ctx context.Context, matricule string) (bool, error) {
	n, err := c.redis.Exists(ctx, profileKey(matricule)).Result()
	if err != nil {
		return false, fmt.Errorf("usercache.Exists %s: %w", matricule, err)
	}
	return n > 0, nil
}

// Count scans the key namespace and returns the number of cached profiles.
// Approximate under concurrent writes, exact at rest; acceptable for an
// operator-facing gauge rather than a consistency-critical read.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	var count int64
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, keyPrefix+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("usercache.Count: %w", err)
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}
