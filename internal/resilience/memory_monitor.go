package resilience

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/metrics"
)

// AlertLevel classifies a memory-budget breach.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// AlertFunc is invoked whenever usage crosses a configured threshold
// (whichever is highest currently breached); it is also invoked once with
// an empty level when usage drops back under warning, so callers can clear
// a raised alarm.
type AlertFunc func(level AlertLevel, usedBytes int64, percent float64)

// MemoryMonitor polls `INFO memory` on the stream fabric's Redis instance
// and raises warning/critical alerts as used memory crosses configurable
// percentages of a budget, the watchdog the WAL/Retry/Fallback pipeline
// relies on to know when it is about to run out of headroom.
type MemoryMonitor struct {
	redis        *redis.Client
	budgetBytes  int64
	warnPercent  float64
	critPercent  float64
	interval     time.Duration
	onAlert      AlertFunc
	logger       *zap.Logger

	lastLevel AlertLevel
}

// NewMemoryMonitor builds a monitor. A nil onAlert is replaced with a no-op.
func NewMemoryMonitor(rdb *redis.Client, budgetBytes int64, warnPercent, critPercent float64, interval time.Duration, onAlert AlertFunc, logger *zap.Logger) *MemoryMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if onAlert == nil {
		onAlert = func(AlertLevel, int64, float64) {}
	}
	return &MemoryMonitor{
		redis:       rdb,
		budgetBytes: budgetBytes,
		warnPercent: warnPercent,
		critPercent: critPercent,
		interval:    interval,
		onAlert:     onAlert,
		logger:      logger,
	}
}

// Run blocks, polling on interval until ctx is cancelled.
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.checkOnce(ctx); err != nil {
				m.logger.Warn("memory monitor poll failed", zap.Error(err))
			}
		}
	}
}

func (m *MemoryMonitor) checkOnce(ctx context.Context) error {
	info, err := m.redis.Info(ctx, "memory").Result()
	if err != nil {
		return err
	}
	used, err := parseUsedMemory(info)
	if err != nil {
		return err
	}

	percent := float64(0)
	if m.budgetBytes > 0 {
		percent = float64(used) / float64(m.budgetBytes)
	}

	level := AlertLevel("")
	switch {
	case percent >= m.critPercent:
		level = AlertCritical
	case percent >= m.warnPercent:
		level = AlertWarning
	}

	levelLabel := string(level)
	if levelLabel == "" {
		levelLabel = "ok"
	}
	metrics.MemoryPressure.Reset()
	metrics.MemoryPressure.WithLabelValues(levelLabel).Set(percent * 100)

	if level != m.lastLevel {
		m.onAlert(level, used, percent)
		m.lastLevel = level
	}
	return nil
}

// parseUsedMemory extracts used_memory from a Redis INFO memory section.
func parseUsedMemory(info string) (int64, error) {
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "used_memory:") {
			raw := strings.TrimPrefix(line, "used_memory:")
			return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		}
	}
	return 0, fmt.Errorf("used_memory not found in INFO memory output")
}
