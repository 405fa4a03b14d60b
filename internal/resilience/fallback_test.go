package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/circuitbreaker"
	"github.com/chatcore/messaging-core/internal/streaming"
)

type fakeBreaker struct{ state circuitbreaker.State }

func (f *fakeBreaker) State() circuitbreaker.State { return f.state }

func TestFallbackWorker_WaitsForStablePeriod(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.Bootstrap(ctx, FallbackGroup, streaming.StreamFallback))

	fb := &fakeBreaker{state: circuitbreaker.StateClosed}
	calls := 0
	worker := NewFallbackWorker(client, mgr, fb, func(ctx context.Context, data string) (*ReplayResult, error) {
		calls++
		return &ReplayResult{}, nil
	}, Options{}, 50*time.Millisecond, "node-1", zap.NewNop())

	entry := Entry{Data: "staged", Attempt: 1, Timestamp: time.Now(), NextRetryAt: time.Now()}
	_, err := mgr.Publish(ctx, streaming.StreamFallback, entry.Fields())
	require.NoError(t, err)

	worker.tick(ctx) // first tick just starts the stability clock
	assert.Equal(t, 0, calls)

	time.Sleep(60 * time.Millisecond)
	worker.tick(ctx) // now stable long enough
	assert.Equal(t, 1, calls)

	remaining, err := client.ReadRange(ctx, streaming.StreamFallback, "-", "+", 0)
	require.NoError(t, err)
	assert.Empty(t, remaining, "processed fallback entry should be XDEL'd, not just acked")
}

func TestFallbackWorker_ResetsClockWhenBreakerReopens(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.Bootstrap(ctx, FallbackGroup, streaming.StreamFallback))

	fb := &fakeBreaker{state: circuitbreaker.StateClosed}
	worker := NewFallbackWorker(client, mgr, fb, func(ctx context.Context, data string) (*ReplayResult, error) {
		return &ReplayResult{}, nil
	}, Options{}, 50*time.Millisecond, "node-1", zap.NewNop())

	worker.tick(ctx)
	assert.False(t, worker.closedSince.IsZero())

	fb.state = circuitbreaker.StateOpen
	worker.tick(ctx)
	assert.True(t, worker.closedSince.IsZero())
}
