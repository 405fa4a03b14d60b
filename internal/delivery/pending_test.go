package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPendingStore(t *testing.T) *PendingStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewPendingStore(rdb, time.Minute, 0, zap.NewNop())
}

func TestPendingStore_DrainReturnsEverythingWithNoCursor(t *testing.T) {
	s := newTestPendingStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "bob", "newMessage", map[string]interface{}{"messageId": "m1"}))
	require.NoError(t, s.Enqueue(ctx, "bob", "newMessage", map[string]interface{}{"messageId": "m2"}))

	items, err := s.Drain(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].Seq)
	assert.Equal(t, int64(2), items[1].Seq)
}

func TestPendingStore_DrainSkipsItemsAtOrBeforeLastEventID(t *testing.T) {
	s := newTestPendingStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "bob", "newMessage", map[string]interface{}{"messageId": "m1"}))
	require.NoError(t, s.Enqueue(ctx, "bob", "newMessage", map[string]interface{}{"messageId": "m2"}))
	require.NoError(t, s.Enqueue(ctx, "bob", "newMessage", map[string]interface{}{"messageId": "m3"}))

	items, err := s.Drain(ctx, "bob", 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(2), items[0].Seq)
	assert.Equal(t, int64(3), items[1].Seq)
}

func TestPendingStore_DrainEmptiesQueueRegardlessOfCursor(t *testing.T) {
	s := newTestPendingStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "bob", "newMessage", map[string]interface{}{"messageId": "m1"}))

	_, err := s.Drain(ctx, "bob", 100)
	require.NoError(t, err)

	items, err := s.Drain(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}
