package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/streaming"
)

func TestRetryWorker_SkipsEntriesNotYetDue(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx := context.Background()

	calls := 0
	worker := NewRetryWorker(client, mgr, func(ctx context.Context, data string) (*ReplayResult, error) {
		calls++
		return &ReplayResult{}, nil
	}, Options{}, time.Hour, zap.NewNop())

	future := Entry{Data: "later", Attempt: 1, Timestamp: time.Now(), NextRetryAt: time.Now().Add(time.Hour)}
	_, err := mgr.Publish(ctx, streaming.StreamRetry, future.Fields())
	require.NoError(t, err)

	require.NoError(t, worker.scanOnce(ctx))
	assert.Equal(t, 0, calls)

	remaining, err := client.ReadRange(ctx, streaming.StreamRetry, "-", "+", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestRetryWorker_ProcessesDueEntries(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx := context.Background()

	calls := 0
	worker := NewRetryWorker(client, mgr, func(ctx context.Context, data string) (*ReplayResult, error) {
		calls++
		return &ReplayResult{}, nil
	}, Options{}, time.Hour, zap.NewNop())

	due := Entry{Data: "now", Attempt: 1, Timestamp: time.Now(), NextRetryAt: time.Now().Add(-time.Second)}
	_, err := mgr.Publish(ctx, streaming.StreamRetry, due.Fields())
	require.NoError(t, err)

	require.NoError(t, worker.scanOnce(ctx))
	assert.Equal(t, 1, calls)

	remaining, err := client.ReadRange(ctx, streaming.StreamRetry, "-", "+", 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRetryWorker_DropsMalformedEntries(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx := context.Background()

	worker := NewRetryWorker(client, mgr, func(ctx context.Context, data string) (*ReplayResult, error) {
		return nil, errors.New("should not be called")
	}, Options{}, time.Hour, zap.NewNop())

	_, err := client.Append(ctx, streaming.StreamRetry, map[string]interface{}{"nodata": "x"}, 0)
	require.NoError(t, err)

	require.NoError(t, worker.scanOnce(ctx))

	remaining, err := client.ReadRange(ctx, streaming.StreamRetry, "-", "+", 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
