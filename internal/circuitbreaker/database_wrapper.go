package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// SQLExecutor is the narrow slice of *sql.DB the primary-store write path
// actually drives (Save/Update/IncrementUnread/SetLastMessage in
// internal/repository). *sql.DB satisfies it without adaptation; tests
// substitute a hand-rolled fake instead of a driver-level mock.
type SQLExecutor interface {
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Close() error
}

// DatabaseWrapper gates primary-store writes behind a CircuitBreaker (C2).
// Read paths (FindByID, FindByConversation, ...) go straight to the
// database, since only the write path needs protection (§4.4) and Postgres
// reads are not retried through WAL/Fallback the way a publish is.
type DatabaseWrapper struct {
	db     SQLExecutor
	cb     *CircuitBreaker
	logger *zap.Logger
}

// databaseBreakerConfig tunes the breaker for the primary store: a longer
// timeout than the stream fabric's, since a Postgres outage tends to last
// longer than a Redis blip, and the publisher's WAL exists specifically to
// absorb that duration.
func databaseBreakerConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// NewDatabaseWrapper wraps db's write path with a "primary-store" breaker.
func NewDatabaseWrapper(db SQLExecutor, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker("primary-store", databaseBreakerConfig(), logger)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

// PingContext checks the primary store's reachability through the breaker.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// ExecContext runs a write (INSERT/UPDATE) through the breaker.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the underlying connection, bypassing the breaker: shutdown
// should always attempt to close regardless of breaker state.
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// IsCircuitBreakerOpen reports whether writes are currently refused.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}

// Breaker exposes the underlying breaker for health reporting
// (health.CircuitBreakerHealthChecker reads its State/Counts directly).
func (dw *DatabaseWrapper) Breaker() *CircuitBreaker {
	return dw.cb
}
