package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper gates stream-fabric connectivity probes behind a
// CircuitBreaker (C2). It deliberately does not proxy Redis's data-plane
// commands (GET/SET/DEL/pipelines): the presence registry and user cache
// issue those directly against redis.UniversalClient because they batch and
// pipeline in ways a single-key wrapper can't represent, and wrapping every
// command individually would just add latency without adding protection —
// the breaker's job here is the liveness probe health checks depend on.
type RedisWrapper struct {
	client redis.UniversalClient
	cb     *CircuitBreaker
	logger *zap.Logger
}

func redisBreakerConfig() Config {
	return Config{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

// NewRedisWrapper wraps client's connectivity probe with a "stream-fabric" breaker.
func NewRedisWrapper(client redis.UniversalClient, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("stream-fabric", redisBreakerConfig(), logger)
	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

// Ping checks Redis reachability through the breaker, returning a plain
// error rather than a *redis.StatusCmd so callers (RedisHealthChecker) don't
// need to know anything about the go-redis command types.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// IsCircuitBreakerOpen reports whether the stream fabric is considered down.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}

// Breaker exposes the underlying breaker for health reporting.
func (rw *RedisWrapper) Breaker() *CircuitBreaker {
	return rw.cb
}
