package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/circuitbreaker"
	"github.com/chatcore/messaging-core/internal/delivery"
	"github.com/chatcore/messaging-core/internal/presence"
	"github.com/chatcore/messaging-core/internal/publisher"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// testGatewayWithPending is testGateway plus a real PendingStore, for
// exercising replayPending's lastEventId bounding directly.
func testGatewayWithPending(t *testing.T) *Gateway {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := streaming.NewClient(rdb, zap.NewNop())
	mgr := streaming.NewManager(client, nil, zap.NewNop())
	cb := circuitbreaker.NewCircuitBreaker("test-store", circuitbreaker.Config{
		MaxRequests: 1, FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Minute,
	}, zap.NewNop())
	repo := newFakeRepo()
	idem := publisher.NewIdempotencyStore(rdb, time.Minute)
	pub := publisher.New(repo, cb, mgr, idem, nil, publisher.Options{}, zap.NewNop())
	registry := presence.NewRegistry(rdb, presence.DefaultShardCount, time.Minute, zap.NewNop())
	pending := delivery.NewPendingStore(rdb, time.Minute, 0, zap.NewNop())

	return New(nil, registry, pending, pub, repo, mgr, Options{}, zap.NewNop())
}

func TestReplayPending_NoLastEventIDReplaysEverything(t *testing.T) {
	g := testGatewayWithPending(t)
	ctx := context.Background()

	require.NoError(t, g.pending.Enqueue(ctx, "alice", "newMessage", map[string]interface{}{"messageId": "m1"}))
	require.NoError(t, g.pending.Enqueue(ctx, "alice", "newMessage", map[string]interface{}{"messageId": "m2"}))

	sess := testSession("alice")
	g.replayPending(ctx, sess, 0)

	frames := drain(sess)
	require.Len(t, frames, 3)
	assert.Equal(t, "newMessage", frames[0].Event)
	assert.Equal(t, "newMessage", frames[1].Event)
	assert.Equal(t, "messageFallbackReplayed", frames[2].Event)
	summary := frames[2].Payload.(map[string]interface{})
	assert.Equal(t, 2, summary["count"])
	assert.Equal(t, int64(2), summary["lastEventId"])
}

func TestReplayPending_LastEventIDBoundsReplay(t *testing.T) {
	g := testGatewayWithPending(t)
	ctx := context.Background()

	require.NoError(t, g.pending.Enqueue(ctx, "alice", "newMessage", map[string]interface{}{"messageId": "m1"}))
	require.NoError(t, g.pending.Enqueue(ctx, "alice", "newMessage", map[string]interface{}{"messageId": "m2"}))

	sess := testSession("alice")
	g.replayPending(ctx, sess, 1)

	frames := drain(sess)
	require.Len(t, frames, 2)
	payload := frames[0].Payload.(map[string]interface{})
	assert.Equal(t, "m2", payload["messageId"])
}

func TestReplayPending_NothingQueuedEmitsNoFrames(t *testing.T) {
	g := testGatewayWithPending(t)
	sess := testSession("alice")
	g.replayPending(context.Background(), sess, 0)

	assert.Empty(t, drain(sess))
}
