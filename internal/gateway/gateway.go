package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/auth"
	"github.com/chatcore/messaging-core/internal/delivery"
	"github.com/chatcore/messaging-core/internal/merrors"
	"github.com/chatcore/messaging-core/internal/presence"
	"github.com/chatcore/messaging-core/internal/publisher"
	"github.com/chatcore/messaging-core/internal/repository"
	"github.com/chatcore/messaging-core/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dev-friendly; terminate TLS/origin checks at the proxy
}

// Options tunes the gateway's keepalive and backpressure behaviour (§4.8, §5).
type Options struct {
	PingInterval      time.Duration
	MaxMissedPongs    int
	MaxPendingQueue   int
	HandshakeTimeout  time.Duration
	InboundRatePerSec float64
	InboundBurst      int
}

// Gateway is the SocketGateway (C12).
type Gateway struct {
	validator *auth.Validator
	registry  *presence.Registry
	pending   *delivery.PendingStore
	pub       *publisher.Publisher
	repo      repository.Repository
	mgr       *streaming.Manager
	opts      Options
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	closing bool
}

// New builds a Gateway. Zero-value fields in opts fall back to §4.8/§5 defaults.
func New(validator *auth.Validator, registry *presence.Registry, pending *delivery.PendingStore, pub *publisher.Publisher, repo repository.Repository, mgr *streaming.Manager, opts Options, logger *zap.Logger) *Gateway {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxMissedPongs <= 0 {
		opts.MaxMissedPongs = 2
	}
	if opts.MaxPendingQueue <= 0 {
		opts.MaxPendingQueue = 1000
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.InboundRatePerSec <= 0 {
		opts.InboundRatePerSec = 20
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = 40
	}
	return &Gateway{
		validator: validator,
		registry:  registry,
		pending:   pending,
		pub:       pub,
		repo:      repo,
		mgr:       mgr,
		opts:      opts,
		logger:    logger,
		sessions:  make(map[string]*session),
	}
}

// Send implements delivery.Dispatcher: emits event to sessionID's outbound
// queue. A full queue (backpressure past maxPending) closes the session;
// the DeliveryEngine continues and the client resyncs on reconnect (§5).
func (g *Gateway) Send(ctx context.Context, sessionID, event string, payload map[string]interface{}) error {
	g.mu.RLock()
	s, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not connected on this node", sessionID)
	}
	if !s.enqueue(wireFrame{Event: event, Payload: payload}) {
		g.logger.Warn("gateway: outbound queue full, closing session", zap.String("sessionId", sessionID))
		g.removeSession(s)
		return fmt.Errorf("session %s outbound queue full", sessionID)
	}
	return nil
}

// ServeHTTP upgrades the connection, performs the handshake, and runs the
// session's read/write/ping loops until it closes. Gateway satisfies
// http.Handler so it can be mounted directly on a mux.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	closing := g.closing
	g.mu.RUnlock()
	if closing {
		http.Error(w, "gateway is draining", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	userID, lastEventID, err := g.handshake(conn)
	if err != nil {
		g.logger.Info("gateway: handshake rejected", zap.Error(err))
		_ = conn.WriteJSON(wireFrame{Event: "message_error", Payload: map[string]string{"error": err.Error()}})
		_ = conn.Close()
		return
	}

	sess := newSession(uuid.NewString(), userID, conn, g.opts.MaxPendingQueue, g.opts.InboundRatePerSec, g.opts.InboundBurst, g.logger)
	g.addSession(sess)
	defer g.removeSession(sess)

	ctx := r.Context()
	if err := g.registry.OnConnect(ctx, sess.id, sess.userID); err != nil {
		g.logger.Warn("gateway: presence onConnect failed", zap.Error(err))
	}
	defer func() {
		leaveCtx := context.Background()
		for _, conversationID := range sess.joinedRooms() {
			if err := g.registry.Leave(leaveCtx, sess.userID, conversationID); err != nil {
				g.logger.Warn("gateway: presence leave failed", zap.String("conversationId", conversationID), zap.Error(err))
			}
		}
		_ = g.registry.OnDisconnect(leaveCtx, sess.id)
	}()

	conn.SetPongHandler(func(string) error { sess.onPong(); return nil })

	go sess.writePump()
	go sess.pingLoop(g.opts.PingInterval, g.opts.MaxMissedPongs)

	g.replayPending(ctx, sess, lastEventID)
	g.readPump(ctx, sess)
}

// handshake reads the first client frame with a bounded deadline and expects
// {"type":"authenticate","data":{"token":"...","lastEventId":...}} (§4.8). lastEventId
// is optional: a client's first-ever connect, or one that doesn't track
// cursors, simply omits it and gets the full pending replay.
func (g *Gateway) handshake(conn *websocket.Conn) (string, int64, error) {
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", 0, fmt.Errorf("handshake read failed: %w", err)
	}

	var intent inboundIntent
	if err := json.Unmarshal(data, &intent); err != nil || intent.Type != "authenticate" {
		return "", 0, merrors.New(merrors.KindAuth, "gateway.handshake", merrors.ErrTokenInvalid)
	}
	var body struct {
		Token       string `json:"token"`
		LastEventID int64  `json:"lastEventId"`
	}
	if err := json.Unmarshal(intent.Data, &body); err != nil {
		return "", 0, merrors.New(merrors.KindAuth, "gateway.handshake", merrors.ErrTokenInvalid)
	}
	claims, err := g.validator.Validate(body.Token)
	if err != nil {
		return "", 0, err
	}
	return claims.UserID, body.LastEventID, nil
}

// joinRoom registers sess as an active member of conversationId's room
// (§4.7), the membership the DeliveryEngine's interaction-event fan-out
// (TYPING/REACTION/REPLY, §4.6 step 2) and getOnlineUsers read from. Joined
// lazily per intent rather than eagerly at connect time, since the wire
// protocol (§6) has no dedicated join/leave intent — every intent that
// carries a conversationId implies its sender is actively viewing that
// conversation.
func (g *Gateway) joinRoom(ctx context.Context, sess *session, conversationID string) {
	if conversationID == "" || !sess.markRoomJoined(conversationID) {
		return
	}
	if err := g.registry.Join(ctx, sess.userID, conversationID); err != nil {
		g.logger.Warn("gateway: presence join failed", zap.String("conversationId", conversationID), zap.Error(err))
	}
}

func (g *Gateway) addSession(s *session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
}

func (g *Gateway) removeSession(s *session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
	s.close()
}

// replayPending flushes the recipient's offline queue on reconnect, bounded
// by the lastEventId the client supplied on authenticate (items at or below
// it were already delivered to a previous connection and are skipped),
// followed by a single summary frame (§6: messageFallbackReplayed) when
// anything was replayed — this resolves the open question of how replay is
// surfaced to the client: each item rides its original event name so
// handlers don't need a special case, and the summary frame lets the client
// know resync finished.
func (g *Gateway) replayPending(ctx context.Context, sess *session, lastEventID int64) {
	if g.pending == nil {
		return
	}
	items, err := g.pending.Drain(ctx, sess.userID, lastEventID)
	if err != nil {
		g.logger.Warn("gateway: pending drain failed", zap.String("userId", sess.userID), zap.Error(err))
		return
	}
	var maxSeq int64
	for _, item := range items {
		sess.enqueue(wireFrame{Event: item.Event, Payload: item.Payload})
		if item.Seq > maxSeq {
			maxSeq = item.Seq
		}
	}
	if len(items) > 0 {
		sess.enqueue(wireFrame{Event: "messageFallbackReplayed", Payload: map[string]interface{}{
			"count":       len(items),
			"lastEventId": maxSeq,
		}})
	}
}

// Shutdown stops accepting new sessions and closes every currently-open one,
// the gateway half of the two-phase shutdown in §5.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}
