// Package gateway implements the SocketGateway (C12): the duplex WebSocket
// transport that authenticates a connection, binds it to the
// PresenceRegistry, translates inbound intents into ResilientPublisher
// calls, and serialises the DeliveryEngine's outbound events back onto the
// right session.
//
// Grounded on the orchestrator's internal/httpapi/websocket.go (gorilla
// upgrader config, ping/pong keepalive with a read-deadline reset on pong,
// separate reader/writer goroutines) generalised from one read-only replay
// feed to a full duplex intent/event protocol, and on internal/auth.Validator
// for the handshake.
package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// wireFrame is the JSON shape of every outbound socket event (§6).
type wireFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// session is one authenticated WebSocket connection.
type session struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan wireFrame
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}

	missedPongs int
	logger      *zap.Logger

	roomsMu sync.Mutex
	rooms   map[string]struct{} // conversationId room membership (§4.7), joined lazily per intent
}

// newSession builds a session. ratePerSec<=0 disables inbound rate limiting
// (the limiter is nil and readPump skips the check) — grounded on the
// orchestrator's internal/budget.Manager per-user rate.NewLimiter usage,
// applied here per-connection instead of per-user-per-provider.
func newSession(id, userID string, conn *websocket.Conn, maxPending int, ratePerSec float64, burst int, logger *zap.Logger) *session {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &session{
		id:      id,
		userID:  userID,
		conn:    conn,
		send:    make(chan wireFrame, maxPending),
		limiter: limiter,
		closed:  make(chan struct{}),
		logger:  logger,
		rooms:   make(map[string]struct{}),
	}
}

// markRoomJoined records conversationId as one this session has joined, so
// the gateway can Leave every one of them on disconnect. Returns false if
// the room was already recorded, letting the caller skip a redundant
// registry.Join call.
func (s *session) markRoomJoined(conversationID string) bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if _, ok := s.rooms[conversationID]; ok {
		return false
	}
	s.rooms[conversationID] = struct{}{}
	return true
}

// joinedRooms returns a snapshot of every conversationId this session has
// joined.
func (s *session) joinedRooms() []string {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// enqueue attempts a non-blocking send. A full queue means the session has
// fallen behind past maxPending; per §5's backpressure policy the caller
// closes the session rather than blocking the dispatcher.
func (s *session) enqueue(frame wireFrame) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writePump drains s.send to the socket until the session closes.
func (s *session) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.send:
			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Warn("gateway: dropping unmarshalable outbound frame", zap.String("event", frame.Event), zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		}
	}
}

// pingLoop sends a ping every interval and closes the session after
// maxMissedPongs consecutive pongs go unanswered (§4.8).
func (s *session) pingLoop(interval time.Duration, maxMissedPongs int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.missedPongs++
			if s.missedPongs > maxMissedPongs {
				s.close()
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) onPong() {
	s.missedPongs = 0
}
