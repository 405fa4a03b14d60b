// Package circuitbreaker implements the CircuitBreaker (C2): closed/open/
// half-open gating around the primary-store write path the ResilientPublisher
// drives, with an optional fallback invoked while the breaker refuses calls.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/metrics"
)

// State is one of Closed/Open/Half-Open (§4.2).
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config holds the breaker's thresholds and optional fallback (§4.2).
type Config struct {
	MaxRequests      uint32        // requests allowed while probing in half-open
	Interval         time.Duration // window after which closed-state counters reset
	Timeout          time.Duration // time spent open before a half-open probe is allowed
	FailureThreshold uint32        // consecutive failures in closed state that trip the breaker
	SuccessThreshold uint32        // consecutive half-open successes needed to close
	OnStateChange    func(name string, from State, to State)

	// Fallback runs in place of the guarded operation whenever the breaker
	// refuses a call (Open, or too many half-open probes). A nil Fallback
	// means a refusal surfaces as ErrCircuitBreakerOpen/ErrTooManyRequests
	// directly, which is how the ResilientPublisher's write path wants it
	// (a refusal there is the trigger for WAL staging, not something to
	// paper over).
	Fallback func(ctx context.Context) error
}

// DefaultConfig returns the orchestrator-style defaults, tuned down for a
// primary-store write path rather than an LLM provider call.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts holds the breaker's request statistics for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker is the Closed/Open/Half-Open gate (C2). It is observable
// via State/Counts/LastFailureAt/TripCount as §4.2 requires, and records its
// Prometheus series through the shared internal/metrics helpers, labelled by
// breaker name.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mutex         sync.RWMutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastFailureAt time.Time
	tripCount     uint64
}

// NewCircuitBreaker builds a named breaker. name is the label attached to
// its Prometheus series and state-change log lines.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
	metrics.RecordCircuitBreakerState(name, float64(StateClosed))
	return cb
}

// Execute runs fn if the breaker is Closed or probing in Half-Open. A
// refusal invokes Config.Fallback when set, otherwise returns the refusal
// error unchanged so the caller (the publisher's write path) can stage to
// WAL/fallback itself.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		metrics.RecordCircuitBreakerRequest(cb.name, cb.State().String(), "refused")
		if cb.config.Fallback != nil {
			return cb.config.Fallback(ctx)
		}
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	cb.afterRequest(generation, err == nil)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.RecordCircuitBreakerRequest(cb.name, cb.State().String(), result)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// Counts returns the current generation's request statistics.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.counts
}

// FailureCount reports the current consecutive-failure count (§4.2's
// "failureCount" observable).
func (cb *CircuitBreaker) FailureCount() uint32 {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.counts.ConsecutiveFailures
}

// LastFailureAt reports when the breaker last recorded a failed call; the
// zero Time means no failure has been recorded yet.
func (cb *CircuitBreaker) LastFailureAt() time.Time {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.lastFailureAt
}

// TripCount reports how many times the breaker has transitioned into Open
// since construction.
func (cb *CircuitBreaker) TripCount() uint64 {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.tripCount
}

// beforeRequest checks whether a call may proceed, incrementing the request
// counter when it can.
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitBreakerOpen
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

// afterRequest records the outcome of a call that was allowed to proceed.
func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// currentState advances the breaker's generation/state if its expiry has
// elapsed, then returns the (possibly updated) state and generation.
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		if cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.lastFailureAt = now
	switch state {
	case StateClosed:
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// setState transitions the breaker, firing the optional OnStateChange hook
// and recording the trip/state-change metrics and log line.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	if state == StateOpen {
		cb.tripCount++
	}

	cb.toNewGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}

	metrics.RecordCircuitBreakerStateChange(cb.name, prev.String(), state.String())
	metrics.RecordCircuitBreakerState(cb.name, float64(state))

	cb.logger.Info("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Uint64("trip_count", cb.tripCount),
	)
}

// toNewGeneration resets the statistics window and computes the next expiry.
// An Open generation keeps the consecutive-failure count that tripped it, so
// FailureCount still reports it while the breaker refuses calls.
func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	failures := cb.counts.ConsecutiveFailures
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.config.Interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.counts.ConsecutiveFailures = failures
		cb.expiry = now.Add(cb.config.Timeout)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}
