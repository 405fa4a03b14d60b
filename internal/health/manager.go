package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// checkerState is the runtime bookkeeping the manager keeps per checker.
type checkerState struct {
	checker   Checker
	interval  time.Duration
	timeout   time.Duration
	critical  bool
	lastCheck time.Time
}

// absorbedComponents are health signals the resilience pipeline (C2-C7)
// exists specifically to tolerate: a primary-store breaker trip means
// writes are staging to WAL, and a DLQ backlog means the fallback worker
// is behind, not that new traffic can't be accepted. Their critical
// failures degrade the service rather than taking it out of rotation,
// since readiness here means "can still accept and durably queue
// messages," not "every downstream is currently reachable."
var absorbedComponents = map[string]bool{
	"circuit_breaker_primary-store": true,
	"dlq_pressure":                  true,
}

// Manager is the HealthManager (aggregates Checker results into readiness
// and liveness signals for /healthz and /readyz).
type Manager struct {
	checkers      map[string]*checkerState
	lastResults   map[string]CheckResult
	started       bool
	checkInterval time.Duration
	stopCh        chan struct{}
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewManager creates a health manager with a 30s background check interval.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers:      make(map[string]*checkerState),
		lastResults:   make(map[string]CheckResult),
		checkInterval: 30 * time.Second,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// RegisterChecker adds a health check, using the checker's own Timeout/IsCritical.
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	m.checkers[name] = &checkerState{
		checker:  checker,
		interval: m.checkInterval,
		timeout:  checker.Timeout(),
		critical: checker.IsCritical(),
	}
	m.logger.Info("health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// GetOverallHealth returns the aggregated status without the per-component detail.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	startTime := time.Now()
	detailed := m.GetDetailedHealth(ctx)

	return OverallHealth{
		Status:    detailed.Overall.Status,
		Message:   detailed.Overall.Message,
		Timestamp: detailed.Timestamp,
		Duration:  time.Since(startTime),
		Degraded:  detailed.Overall.Degraded,
		Ready:     detailed.Overall.Ready,
		Live:      detailed.Overall.Live,
	}
}

// GetDetailedHealth runs every registered checker and aggregates the results.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	states := make(map[string]*checkerState, len(m.checkers))
	for name, state := range m.checkers {
		states[name] = state
	}
	m.mu.RUnlock()

	timestamp := time.Now()
	components := make(map[string]CheckResult, len(states))
	summary := HealthSummary{Total: len(states)}

	for name, state := range states {
		result := m.runSingleCheck(ctx, state)
		components[name] = result

		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return DetailedHealth{
		Overall:    m.calculateOverallStatus(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

// runSingleCheck runs one checker with its configured timeout.
func (m *Manager) runSingleCheck(ctx context.Context, state *checkerState) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, state.timeout)
	defer cancel()

	startTime := time.Now()
	result := state.checker.Check(checkCtx)
	result.Component = state.checker.Name()
	result.Critical = state.critical
	result.Duration = time.Since(startTime)
	result.Timestamp = startTime

	state.lastCheck = startTime
	return result
}

// calculateOverallStatus folds component results into one status. A
// critical failure in an absorbedComponents entry degrades rather than
// fails readiness, since the resilience pipeline is the thing designed to
// ride that failure out; any other critical failure (redis, the gateway's
// own dependencies) takes the service out of readiness immediately.
func (m *Manager) calculateOverallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{Status: StatusUnknown, Message: "no health checks registered"}
	}

	blockingFailures := 0
	absorbedFailures := 0
	degradedComponents := 0

	for name, result := range components {
		if result.Status == StatusDegraded {
			degradedComponents++
		}
		if result.Status == StatusUnhealthy {
			if result.Critical && !absorbedComponents[name] {
				blockingFailures++
			} else {
				absorbedFailures++
			}
		}
	}

	var status CheckStatus
	var message string
	ready, live := true, true

	switch {
	case blockingFailures > 0:
		status = StatusUnhealthy
		message = fmt.Sprintf("%d blocking component(s) failing", blockingFailures)
		ready = false
	case absorbedFailures > 0:
		status = StatusDegraded
		message = fmt.Sprintf("%d component(s) degraded (absorbed by resilience pipeline)", absorbedFailures)
	case degradedComponents > 0:
		status = StatusDegraded
		message = fmt.Sprintf("%d component(s) degraded", degradedComponents)
	default:
		status = StatusHealthy
		message = fmt.Sprintf("all %d components healthy", summary.Total)
	}

	return OverallHealth{
		Status:   status,
		Message:  message,
		Degraded: status == StatusDegraded,
		Ready:    ready,
		Live:     live,
	}
}

// IsReady reports whether the service should receive traffic.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports whether the service should be restarted.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

// Start begins the background checking loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.started = true
	go m.backgroundChecker()
	m.logger.Info("health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop halts the background checking loop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("health manager stopped")
	return nil
}

func (m *Manager) backgroundChecker() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runBackgroundChecks()
		}
	}
}

// runBackgroundChecks refreshes lastResults for checkers due to run, based
// on each checker's own interval (defaulted to checkInterval at registration).
func (m *Manager) runBackgroundChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.mu.RLock()
	states := make(map[string]*checkerState, len(m.checkers))
	for name, state := range m.checkers {
		states[name] = state
	}
	m.mu.RUnlock()

	now := time.Now()
	results := make(map[string]CheckResult)
	for name, state := range states {
		if now.Sub(state.lastCheck) >= state.interval {
			results[name] = m.runSingleCheck(ctx, state)
		}
	}

	if len(results) == 0 {
		return
	}
	m.mu.Lock()
	for name, result := range results {
		m.lastResults[name] = result
	}
	m.mu.Unlock()
	m.logger.Debug("background health checks completed", zap.Int("checks_run", len(results)))
}
