package usercache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewCache(rdb, time.Minute, zap.NewNop())
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	profile := &chatmodel.UserProfile{Matricule: "m1", Nom: "Doe", Prenom: "Jane", UpdatedAt: time.Now()}
	require.NoError(t, cache.Set(ctx, profile))

	got, ok, err := cache.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", got.FullName)
}

func TestCache_GetMiss(t *testing.T) {
	cache := newTestCache(t)
	_, ok, err := cache.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ComputesFullNameWhenAbsent(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &chatmodel.UserProfile{Matricule: "m2", Nom: "Smith", Prenom: "John"}))
	got, ok, err := cache.Get(ctx, "m2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "John Smith", got.FullName)
}

func TestCache_BatchGetReturnsOnlyHits(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &chatmodel.UserProfile{Matricule: "m1", Nom: "A"}))
	require.NoError(t, cache.Set(ctx, &chatmodel.UserProfile{Matricule: "m2", Nom: "B"}))

	got, err := cache.BatchGet(ctx, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "m1")
	assert.Contains(t, got, "m2")
	assert.NotContains(t, got, "m3")
}

func TestCache_InvalidateAndExists(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &chatmodel.UserProfile{Matricule: "m1", Nom: "A"}))
	exists, err := cache.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, cache.Invalidate(ctx, "m1"))
	exists, err = cache.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCache_Count(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &chatmodel.UserProfile{Matricule: "m1", Nom: "A"}))
	require.NoError(t, cache.Set(ctx, &chatmodel.UserProfile{Matricule: "m2", Nom: "B"}))

	n, err := cache.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
