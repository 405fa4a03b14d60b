package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/merrors"
	"github.com/chatcore/messaging-core/internal/streaming"
)

func newTestManager(t *testing.T) (*streaming.Client, *streaming.Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := streaming.NewClient(rdb, zap.NewNop())
	return client, streaming.NewManager(client, nil, zap.NewNop())
}

func TestProcessor_SuccessPublishesDerivedEvent(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx := context.Background()

	proc := newProcessor(mgr, func(ctx context.Context, data string) (*ReplayResult, error) {
		return &ReplayResult{Stream: streaming.StreamMessagesPrivate, Fields: map[string]interface{}{"data": data}}, nil
	}, Options{}, zap.NewNop())

	entry := Entry{Data: "payload", Attempt: 1, Timestamp: time.Now(), NextRetryAt: time.Now()}
	se := toStreamEntry("1-0", entry)

	require.NoError(t, proc.handle(ctx, streaming.StreamWAL, se))

	entries, err := client.ReadRange(ctx, streaming.StreamMessagesPrivate, "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "payload", entries[0].DataField())
}

func TestProcessor_FailureReschedulesRetryUntilMaxAttempts(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx := context.Background()

	proc := newProcessor(mgr, func(ctx context.Context, data string) (*ReplayResult, error) {
		return nil, errors.New("store unavailable")
	}, Options{MaxRetries: 3}, zap.NewNop())

	entry := Entry{Data: "payload", Attempt: 1, Timestamp: time.Now(), NextRetryAt: time.Now()}
	require.NoError(t, proc.handle(ctx, streaming.StreamWAL, toStreamEntry("1-0", entry)))

	retries, err := client.ReadRange(ctx, streaming.StreamRetry, "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, retries, 1)

	rescheduled, err := ParseEntry(retries[0])
	require.NoError(t, err)
	assert.Equal(t, 2, rescheduled.Attempt)
	assert.True(t, rescheduled.NextRetryAt.After(entry.Timestamp))
}

func TestProcessor_ExhaustedRetriesGoToDLQ(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx := context.Background()

	proc := newProcessor(mgr, func(ctx context.Context, data string) (*ReplayResult, error) {
		return nil, errors.New("permanent failure")
	}, Options{MaxRetries: 2, DLQReasonMaxBytes: 50}, zap.NewNop())

	entry := Entry{Data: "payload", Attempt: 2, Timestamp: time.Now(), NextRetryAt: time.Now()}
	require.NoError(t, proc.handle(ctx, streaming.StreamRetry, toStreamEntry("1-0", entry)))

	dlq, err := client.ReadRange(ctx, streaming.StreamDLQ, "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Contains(t, dlq[0].Fields["reason"], "permanent failure")
}

func TestProcessor_PoisonMessageSkipsRetryStraightToDLQ(t *testing.T) {
	client, mgr := newTestManager(t)
	ctx := context.Background()

	proc := newProcessor(mgr, func(ctx context.Context, data string) (*ReplayResult, error) {
		return nil, merrors.New(merrors.KindPoisonMessage, "replay", errors.New("cannot parse payload"))
	}, Options{MaxRetries: 5}, zap.NewNop())

	entry := Entry{Data: "garbage", Attempt: 1, Timestamp: time.Now(), NextRetryAt: time.Now()}
	require.NoError(t, proc.handle(ctx, streaming.StreamWAL, toStreamEntry("1-0", entry)))

	retries, err := client.ReadRange(ctx, streaming.StreamRetry, "-", "+", 0)
	require.NoError(t, err)
	assert.Empty(t, retries)

	dlq, err := client.ReadRange(ctx, streaming.StreamDLQ, "-", "+", 0)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
}

func TestProcessor_MalformedEntryIsDroppedSilently(t *testing.T) {
	_, mgr := newTestManager(t)
	ctx := context.Background()

	called := false
	proc := newProcessor(mgr, func(ctx context.Context, data string) (*ReplayResult, error) {
		called = true
		return nil, nil
	}, Options{}, zap.NewNop())

	err := proc.handle(ctx, streaming.StreamWAL, chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{}})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, int64(1), proc.corrupt)
}

func toStreamEntry(id string, e Entry) chatmodel.StreamEntry {
	fields := map[string]string{}
	for k, v := range e.Fields() {
		fields[k] = v.(string)
	}
	return chatmodel.StreamEntry{ID: id, Fields: fields}
}
