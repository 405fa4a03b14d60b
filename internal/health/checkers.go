package health

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/circuitbreaker"
)

// RedisHealthChecker checks the stream fabric's Redis connectivity.
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. The probe always
// runs through wrapper so an Open breaker and a failed ping are the same
// code path rather than two checks that can disagree.
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		wrapper: wrapper,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "redis", Critical: true, Timestamp: startTime}

	err := r.wrapper.Ping(ctx)
	result.Duration = time.Since(startTime)

	if err != nil {
		if r.wrapper.IsCircuitBreakerOpen() {
			result.Status = StatusUnhealthy
			result.Error = "circuit breaker open"
			result.Message = "redis circuit breaker is open"
			return result
		}
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "redis ping failed"
		result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
		return result
	}

	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "redis healthy"
	}
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	return result
}

// DatabaseHealthChecker checks the primary store's Postgres connectivity.
type DatabaseHealthChecker struct {
	db      *sql.DB
	wrapper *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker.
func NewDatabaseHealthChecker(db *sql.DB, wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: startTime}

	if d.wrapper != nil && d.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "primary store circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := d.db.PingContext(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "primary store ping failed"
		result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
		return result
	}

	stats := d.db.Stats()
	switch {
	case stats.OpenConnections >= stats.MaxOpenConnections && stats.MaxOpenConnections > 0:
		result.Status = StatusDegraded
		result.Message = "primary store connection pool exhausted"
	case result.Duration > 100*time.Millisecond:
		result.Status = StatusDegraded
		result.Message = "primary store responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "primary store healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":       result.Duration.Milliseconds(),
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
	}
	return result
}

// CircuitBreakerHealthChecker surfaces the ResilientPublisher's breaker
// state as a health signal: an Open breaker means every publish is staging
// to WAL, which operators need to see without digging through logs.
type CircuitBreakerHealthChecker struct {
	name    string
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

// NewCircuitBreakerHealthChecker wraps a circuit breaker as a health check.
func NewCircuitBreakerHealthChecker(name string, breaker *circuitbreaker.CircuitBreaker) *CircuitBreakerHealthChecker {
	return &CircuitBreakerHealthChecker{name: name, breaker: breaker, timeout: time.Second}
}

func (c *CircuitBreakerHealthChecker) Name() string           { return "circuit_breaker_" + c.name }
func (c *CircuitBreakerHealthChecker) IsCritical() bool       { return false }
func (c *CircuitBreakerHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CircuitBreakerHealthChecker) Check(ctx context.Context) CheckResult {
	now := time.Now()
	state := c.breaker.State()
	result := CheckResult{
		Component: "circuit_breaker_" + c.name,
		Timestamp: now,
		Details: map[string]interface{}{
			"state":          state.String(),
			"failure_count":  c.breaker.Counts().ConsecutiveFailures,
			"total_failures": c.breaker.Counts().TotalFailures,
		},
	}
	switch state {
	case circuitbreaker.StateOpen:
		result.Status = StatusDegraded
		result.Message = c.name + " breaker is open, publishes are staging to WAL"
	case circuitbreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = c.name + " breaker is probing recovery"
	default:
		result.Status = StatusHealthy
		result.Message = c.name + " breaker closed"
	}
	return result
}

// StreamLengthFunc reports the current approximate length of a stream.
type StreamLengthFunc func(ctx context.Context, stream string) (int64, error)

// DLQPressureChecker raises a degraded/unhealthy signal as the dead-letter
// stream backs up, the operator signal §4.5/§4.7 call for alongside the
// memory monitor's raw usage alerts.
type DLQPressureChecker struct {
	stream      string
	length      StreamLengthFunc
	warnAt      int64
	criticalAt  int64
	timeout     time.Duration
}

// NewDLQPressureChecker builds a checker that flags stream as degraded once
// it holds warnAt entries and unhealthy once it holds criticalAt.
func NewDLQPressureChecker(stream string, length StreamLengthFunc, warnAt, criticalAt int64) *DLQPressureChecker {
	return &DLQPressureChecker{stream: stream, length: length, warnAt: warnAt, criticalAt: criticalAt, timeout: 2 * time.Second}
}

func (d *DLQPressureChecker) Name() string           { return "dlq_pressure" }
func (d *DLQPressureChecker) IsCritical() bool       { return false }
func (d *DLQPressureChecker) Timeout() time.Duration { return d.timeout }

func (d *DLQPressureChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "dlq_pressure", Timestamp: startTime}

	n, err := d.length(ctx, d.stream)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnknown
		result.Error = err.Error()
		result.Message = "failed to read dead-letter stream length"
		return result
	}

	result.Details = map[string]interface{}{"length": n}
	switch {
	case d.criticalAt > 0 && n >= d.criticalAt:
		result.Status = StatusUnhealthy
		result.Message = "dead-letter stream at critical backlog"
	case d.warnAt > 0 && n >= d.warnAt:
		result.Status = StatusDegraded
		result.Message = "dead-letter stream backlog rising"
	default:
		result.Status = StatusHealthy
		result.Message = "dead-letter stream backlog nominal"
	}
	return result
}

// CustomHealthChecker allows callers to wire ad-hoc health checks into the
// manager without defining a new type per concern.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker.
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }
func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
