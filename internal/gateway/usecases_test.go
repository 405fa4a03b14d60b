package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/circuitbreaker"
	"github.com/chatcore/messaging-core/internal/merrors"
	"github.com/chatcore/messaging-core/internal/presence"
	"github.com/chatcore/messaging-core/internal/publisher"
	"github.com/chatcore/messaging-core/internal/repository"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// fakeRepo is an in-memory stand-in for repository.Repository, just enough
// to drive the intent handlers under test (messages keyed by id, a single
// conversation's participant roster).
type fakeRepo struct {
	mu            sync.Mutex
	messages      map[string]*chatmodel.Message
	conversations map[string]*chatmodel.Conversation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		messages:      make(map[string]*chatmodel.Message),
		conversations: make(map[string]*chatmodel.Conversation),
	}
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
	cp := *msg
	f.messages[msg.MessageID] = &cp
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

// testGateway wires a Gateway against miniredis-backed streaming/publisher
// plumbing, the same shape publisher_test.go uses for the publisher package.
func testGateway(t *testing.T, repo *fakeRepo) *Gateway {
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
	idem := publisher.NewIdempotencyStore(rdb, time.Minute)
	pub := publisher.New(repo, cb, mgr, idem, nil, publisher.Options{}, zap.NewNop())

	registry := presence.NewRegistry(rdb, presence.DefaultShardCount, time.Minute, zap.NewNop())

	return New(nil, registry, nil, pub, repo, mgr, Options{}, zap.NewNop())
}

// drain reads every frame currently queued on sess.send without blocking.
func drain(sess *session) []wireFrame {
	var out []wireFrame
	for {
		select {
		case f := <-sess.send:
			out = append(out, f)
		default:
			return out
		}
	}
}

func testSession(userID string) *session {
	return &session{id: "sess-1", userID: userID, send: make(chan wireFrame, 16), closed: make(chan struct{}), logger: zap.NewNop(), rooms: make(map[string]struct{})}
}

func TestHandleSend_PrivateMessage(t *testing.T) {
	repo := newFakeRepo()
	require.NoError(t, repo.SaveConversation(context.Background(), &chatmodel.Conversation{
		ConversationID: "c1", Type: chatmodel.ConversationTypePrivate, Participants: []string{"alice", "bob"},
	}))
	g := testGateway(t, repo)
	sess := testSession("alice")

	data, err := json.Marshal(map[string]interface{}{"conversationId": "c1", "content": "hi", "clientMsgId": "cm1"})
	require.NoError(t, err)

	err = g.handleSend(context.Background(), sess, data, chatmodel.ConversationTypePrivate)
	require.NoError(t, err)

	frames := drain(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, "newMessage", frames[0].Event)
	payload := frames[0].Payload.(map[string]interface{})
	assert.Equal(t, "hi", payload["content"])
}

func TestHandleSend_UnknownConversationRejected(t *testing.T) {
	repo := newFakeRepo()
	g := testGateway(t, repo)
	sess := testSession("alice")

	data, err := json.Marshal(map[string]interface{}{"conversationId": "missing", "content": "hi"})
	require.NoError(t, err)

	err = g.handleSend(context.Background(), sess, data, chatmodel.ConversationTypePrivate)
	require.Error(t, err)
	assert.True(t, merrors.Is(err, merrors.KindNotFound))
}

func TestHandleEditAndDelete(t *testing.T) {
	repo := newFakeRepo()
	require.NoError(t, repo.SaveConversation(context.Background(), &chatmodel.Conversation{
		ConversationID: "c1", Type: chatmodel.ConversationTypePrivate, Participants: []string{"alice", "bob"},
	}))
	g := testGateway(t, repo)
	sess := testSession("alice")
	ctx := context.Background()

	sendData, _ := json.Marshal(map[string]interface{}{"conversationId": "c1", "content": "hi"})
	require.NoError(t, g.handleSend(ctx, sess, sendData, chatmodel.ConversationTypePrivate))
	frames := drain(sess)
	require.Len(t, frames, 1)
	messageID := frames[0].Payload.(map[string]interface{})["messageId"].(string)

	editData, _ := json.Marshal(map[string]interface{}{"messageId": messageID, "content": "hi (edited)"})
	require.NoError(t, g.handleEdit(ctx, sess, editData))
	frames = drain(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, "messageEdited", frames[0].Event)

	deleteData, _ := json.Marshal(map[string]interface{}{"messageId": messageID, "conversationId": "c1", "deleteType": "FOR_EVERYONE"})
	require.NoError(t, g.handleDelete(ctx, sess, deleteData))
	frames = drain(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, "messageDeleted", frames[0].Event)
}

func TestHandleEdit_RejectsNonOwner(t *testing.T) {
	repo := newFakeRepo()
	require.NoError(t, repo.SaveConversation(context.Background(), &chatmodel.Conversation{
		ConversationID: "c1", Type: chatmodel.ConversationTypePrivate, Participants: []string{"alice", "bob"},
	}))
	g := testGateway(t, repo)
	ctx := context.Background()

	sendData, _ := json.Marshal(map[string]interface{}{"conversationId": "c1", "content": "hi"})
	sess := testSession("alice")
	require.NoError(t, g.handleSend(ctx, sess, sendData, chatmodel.ConversationTypePrivate))
	messageID := drain(sess)[0].Payload.(map[string]interface{})["messageId"].(string)

	mallory := testSession("mallory")
	editData, _ := json.Marshal(map[string]interface{}{"messageId": messageID, "content": "hijacked"})
	err := g.handleEdit(ctx, mallory, editData)
	require.Error(t, err)
	assert.True(t, merrors.Is(err, merrors.KindForbidden))
}

func TestHandleMark(t *testing.T) {
	repo := newFakeRepo()
	g := testGateway(t, repo)
	sess := testSession("bob")

	data, err := json.Marshal(map[string]interface{}{"messageId": "m1"})
	require.NoError(t, err)
	require.NoError(t, g.handleMark(context.Background(), sess, data, chatmodel.MessageStatusDelivered))
}

func TestHandleTyping(t *testing.T) {
	repo := newFakeRepo()
	g := testGateway(t, repo)
	sess := testSession("alice")

	data, err := json.Marshal(map[string]interface{}{"conversationId": "c1", "isTyping": true})
	require.NoError(t, err)
	require.NoError(t, g.handleTyping(context.Background(), sess, data))
}

func TestHandleGetOnlineUsers(t *testing.T) {
	repo := newFakeRepo()
	g := testGateway(t, repo)
	require.NoError(t, g.registry.Join(context.Background(), "bob", "c1"))
	sess := testSession("alice")

	data, err := json.Marshal(map[string]interface{}{"conversationId": "c1"})
	require.NoError(t, err)
	require.NoError(t, g.handleGetOnlineUsers(context.Background(), sess, data))

	frames := drain(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, "onlineUsers", frames[0].Event)
	payload := frames[0].Payload.(map[string]interface{})
	assert.Equal(t, []string{"bob"}, payload["userIds"])
}

func TestHandleIntent_UnknownTypeEmitsMessageError(t *testing.T) {
	repo := newFakeRepo()
	g := testGateway(t, repo)
	sess := testSession("alice")

	g.handleIntent(context.Background(), sess, inboundIntent{Type: "bogus"})

	frames := drain(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, "message_error", frames[0].Event)
}

func TestHandleIntent_Ping(t *testing.T) {
	repo := newFakeRepo()
	g := testGateway(t, repo)
	sess := testSession("alice")

	g.handleIntent(context.Background(), sess, inboundIntent{Type: "ping"})

	frames := drain(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, "pong", frames[0].Event)
}
