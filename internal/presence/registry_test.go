package presence

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

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewRegistry(rdb, 4, time.Minute, zap.NewNop()), mr
}

func TestRegistry_OnConnectTracksSession(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.OnConnect(ctx, "sess1", "user1"))

	assert.ElementsMatch(t, []string{"sess1"}, reg.SessionsFor("user1"))
	assert.True(t, reg.IsOnline("user1"))
	assert.True(t, mr.Exists("chat:cache:presence:user1"))
}

func TestRegistry_MultipleSessionsPerUser(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.OnConnect(ctx, "sessA", "user1"))
	require.NoError(t, reg.OnConnect(ctx, "sessB", "user1"))

	assert.ElementsMatch(t, []string{"sessA", "sessB"}, reg.SessionsFor("user1"))
}

func TestRegistry_OnDisconnectDropsOnlyThatSession(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.OnConnect(ctx, "sessA", "user1"))
	require.NoError(t, reg.OnConnect(ctx, "sessB", "user1"))

	require.NoError(t, reg.OnDisconnect(ctx, "sessA"))
	assert.ElementsMatch(t, []string{"sessB"}, reg.SessionsFor("user1"))
	assert.True(t, reg.IsOnline("user1"))
	assert.True(t, mr.Exists("chat:cache:presence:user1"))
}

func TestRegistry_OnDisconnectLastSessionClearsPresence(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.OnConnect(ctx, "sess1", "user1"))
	require.NoError(t, reg.OnDisconnect(ctx, "sess1"))

	assert.Empty(t, reg.SessionsFor("user1"))
	assert.False(t, reg.IsOnline("user1"))
	assert.False(t, mr.Exists("chat:cache:presence:user1"))
}

func TestRegistry_OnDisconnectUnknownSessionIsNoop(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.OnDisconnect(context.Background(), "ghost"))
}

func TestRegistry_JoinAndLeaveRoom(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Join(ctx, "user1", "conv1"))
	require.NoError(t, reg.Join(ctx, "user2", "conv1"))
	assert.ElementsMatch(t, []string{"user1", "user2"}, reg.OnlineParticipants("conv1"))

	members, err := mr.SMembers("chat:cache:rooms:conv1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user1", "user2"}, members)

	require.NoError(t, reg.Leave(ctx, "user1", "conv1"))
	assert.ElementsMatch(t, []string{"user2"}, reg.OnlineParticipants("conv1"))
}

func TestRegistry_HeartbeatRefreshesTTL(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.OnConnect(ctx, "sess1", "user1"))
	mr.SetTTL("chat:cache:presence:user1", 5*time.Second)

	reg.touchAll(ctx)

	ttl := mr.TTL("chat:cache:presence:user1")
	assert.True(t, ttl > 5*time.Second, "expected TTL to be refreshed past the shortened value, got %s", ttl)
}

func TestRegistry_OnlineParticipantsEmptyForUnknownRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.Empty(t, reg.OnlineParticipants("nobody-here"))
}
