package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/merrors"
	"github.com/chatcore/messaging-core/internal/presence"
	"github.com/chatcore/messaging-core/internal/repository"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// fakeRepo is a minimal in-memory stand-in for repository.Repository,
// covering only what recipient resolution needs.
type fakeRepo struct {
	mu            sync.Mutex
	messages      map[string]*chatmodel.Message
	conversations map[string]*chatmodel.Conversation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{messages: map[string]*chatmodel.Message{}, conversations: map[string]*chatmodel.Conversation{}}
}

func (f *fakeRepo) FindByID(ctx context.Context, messageID string) (*chatmodel.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[messageID]; ok {
		return m, nil
	}
	return nil, merrors.ErrMessageNotFound
}
func (f *fakeRepo) Save(ctx context.Context, msg *chatmodel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.MessageID] = msg
	return nil
}
func (f *fakeRepo) Update(ctx context.Context, msg *chatmodel.Message) error { return f.Save(ctx, msg) }
func (f *fakeRepo) FindByConversation(ctx context.Context, conversationID, cursor string, limit int, dir repository.Direction) ([]*chatmodel.Message, string, error) {
	return nil, "", nil
}
func (f *fakeRepo) FindByContentHash(ctx context.Context, conversationID, hash string) (*chatmodel.Message, error) {
	return nil, merrors.ErrMessageNotFound
}
func (f *fakeRepo) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	return 0, nil
}
func (f *fakeRepo) IncrementUnread(ctx context.Context, conversationID, userID string, delta int) error {
	return nil
}
func (f *fakeRepo) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	return nil
}
func (f *fakeRepo) FindConversation(ctx context.Context, conversationID string) (*chatmodel.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conversations[conversationID]; ok {
		return c, nil
	}
	return nil, merrors.ErrConversationNotFound
}
func (f *fakeRepo) SaveConversation(ctx context.Context, conv *chatmodel.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[conv.ConversationID] = conv
	return nil
}

// fakeDispatcher records every Send call.
type fakeDispatcher struct {
	mu    sync.Mutex
	sends []sendCall
}

type sendCall struct {
	sessionID, event string
}

func (d *fakeDispatcher) Send(ctx context.Context, sessionID, event string, payload map[string]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends = append(d.sends, sendCall{sessionID, event})
	return nil
}

func (d *fakeDispatcher) calls() []sendCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sendCall, len(d.sends))
	copy(out, d.sends)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeRepo, *presence.Registry, *fakeDispatcher, *streaming.Manager, *streaming.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := streaming.NewClient(rdb, zap.NewNop())
	mgr := streaming.NewManager(client, nil, zap.NewNop())
	repo := newFakeRepo()
	registry := presence.NewRegistry(rdb, 4, time.Minute, zap.NewNop())
	dispatcher := &fakeDispatcher{}
	pending := NewPendingStore(rdb, time.Hour, 10, zap.NewNop())

	e := New(repo, registry, dispatcher, pending, mgr, 4, zap.NewNop())

	laneCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for i := range e.lanes {
		e.lanes[i] = make(chan job, 64)
		go e.runLane(laneCtx, e.lanes[i])
	}

	return e, repo, registry, dispatcher, mgr, client
}

func TestEngine_DispatchesNewMessageToOnlineParticipant(t *testing.T) {
	e, repo, registry, dispatcher, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveConversation(ctx, &chatmodel.Conversation{
		ConversationID: "conv1", Type: chatmodel.ConversationTypePrivate, Participants: []string{"alice", "bob"},
	}))
	require.NoError(t, registry.OnConnect(ctx, "sessBob", "bob"))

	entry := chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{
		"event": chatmodel.EventNewMessage, "conversationId": "conv1", "senderId": "alice",
		"messageId": "m1", "content": "hi",
	}}
	require.NoError(t, e.handle(ctx, streaming.StreamMessagesPrivate, entry))

	calls := dispatcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sessBob", calls[0].sessionID)
	assert.Equal(t, "newMessage", calls[0].event)
}

func TestEngine_QueuesNewMessageForOfflineRecipient(t *testing.T) {
	e, repo, _, dispatcher, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveConversation(ctx, &chatmodel.Conversation{
		ConversationID: "conv1", Type: chatmodel.ConversationTypePrivate, Participants: []string{"alice", "bob"},
	}))

	entry := chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{
		"event": chatmodel.EventNewMessage, "conversationId": "conv1", "senderId": "alice", "messageId": "m1",
	}}
	require.NoError(t, e.handle(ctx, streaming.StreamMessagesPrivate, entry))

	assert.Empty(t, dispatcher.calls())
	items, err := e.pending.Drain(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "newMessage", items[0].Event)
}

func TestEngine_StatusEventNotifiesOtherParticipantsNotActor(t *testing.T) {
	e, repo, registry, dispatcher, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &chatmodel.Message{MessageID: "m1", ConversationID: "conv1", SenderID: "alice"}))
	require.NoError(t, repo.SaveConversation(ctx, &chatmodel.Conversation{
		ConversationID: "conv1", Type: chatmodel.ConversationTypePrivate, Participants: []string{"alice", "bob"},
	}))
	require.NoError(t, registry.OnConnect(ctx, "sessAlice", "alice"))
	require.NoError(t, registry.OnConnect(ctx, "sessBob", "bob"))

	entry := chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{
		"messageId": "m1", "userId": "bob", "status": string(chatmodel.MessageStatusRead),
	}}
	require.NoError(t, e.handle(ctx, streaming.StreamStatusRead, entry))

	calls := dispatcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sessAlice", calls[0].sessionID)
	assert.Equal(t, "messageRead", calls[0].event)
}

func TestEngine_TypingFansOutToRoomMinusEmitter(t *testing.T) {
	e, _, registry, dispatcher, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, registry.OnConnect(ctx, "sessBob", "bob"))
	require.NoError(t, registry.Join(ctx, "alice", "conv1"))
	require.NoError(t, registry.Join(ctx, "bob", "conv1"))

	entry := chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{
		"conversationId": "conv1", "userId": "alice", "event": "typing",
	}}
	require.NoError(t, e.handle(ctx, streaming.StreamEventsTyping, entry))

	calls := dispatcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sessBob", calls[0].sessionID)
	assert.Equal(t, "typing", calls[0].event)
}

func TestEngine_ConversationEventMapsParticipantAdded(t *testing.T) {
	e, repo, registry, dispatcher, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveConversation(ctx, &chatmodel.Conversation{
		ConversationID: "conv1", Type: chatmodel.ConversationTypeGroup, Participants: []string{"alice", "bob"},
	}))
	require.NoError(t, registry.OnConnect(ctx, "sessBob", "bob"))

	entry := chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{
		"event": chatmodel.EventParticipantAdded, "conversationId": "conv1", "actorId": "alice",
	}}
	require.NoError(t, e.handle(ctx, streaming.StreamEventsConversations, entry))

	calls := dispatcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "conversation:participant:added", calls[0].event)
}

func TestEngine_UnrecognisedStreamIsDroppedNotErrored(t *testing.T) {
	e, _, _, _, _, _ := newTestEngine(t)
	entry := chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{"conversationId": "conv1"}}
	require.NoError(t, e.handle(context.Background(), "some:unknown:stream", entry))
}
