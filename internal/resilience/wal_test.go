package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/streaming"
)

func TestWALWorker_PurgesProcessedEntries(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 1)
	worker := NewWALWorker(mgr, func(ctx context.Context, data string) (*ReplayResult, error) {
		calls <- struct{}{}
		return &ReplayResult{}, nil
	}, Options{}, "node-1", zap.NewNop())

	require.NoError(t, worker.Start(ctx))

	entry := Entry{Data: "staged", Attempt: 1, Timestamp: time.Now(), NextRetryAt: time.Now()}
	_, err := mgr.Publish(ctx, streaming.StreamWAL, entry.Fields())
	require.NoError(t, err)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("WAL worker never replayed the staged entry")
	}

	require.Eventually(t, func() bool {
		remaining, err := client.ReadRange(ctx, streaming.StreamWAL, "-", "+", 0)
		return err == nil && len(remaining) == 0
	}, 2*time.Second, 10*time.Millisecond, "processed WAL entry should be XDEL'd, not just acked")
}
