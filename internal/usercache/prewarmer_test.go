package usercache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/streaming"
)

type fakeProfileSource struct {
	profiles []*chatmodel.UserProfile
}

func (f *fakeProfileSource) ListProfiles(ctx context.Context, cursor string, limit int) ([]*chatmodel.UserProfile, string, error) {
	if cursor != "" {
		return nil, "", nil
	}
	return f.profiles, "", nil
}

func TestPrewarmer_RepublishesSnapshotAsSyncedEvents(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := streaming.NewClient(rdb, zap.NewNop())
	mgr := streaming.NewManager(client, nil, zap.NewNop())

	source := &fakeProfileSource{profiles: []*chatmodel.UserProfile{
		{Matricule: "m1", Nom: "Doe"},
		{Matricule: "m2", Nom: "Roe"},
	}}
	prewarmer := NewPrewarmer(source, client, mgr, 100, zap.NewNop())

	require.NoError(t, prewarmer.Run(context.Background()))

	entries, err := client.ReadRange(context.Background(), streaming.StreamEventsUsers, "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, chatmodel.EventUserProfileSynced, entries[0].Fields["event"])
}
