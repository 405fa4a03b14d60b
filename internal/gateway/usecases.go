// inboundIntent/readPump translate the client-facing wire protocol (§6) into
// ResilientPublisher/PresenceRegistry calls. Grounded on the orchestrator's
// internal/httpapi/websocket.go read loop (single reader goroutine, a
// type-switch per frame) generalised from one message type to the full
// inbound intent set.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/merrors"
	"github.com/chatcore/messaging-core/internal/publisher"
)

// inboundIntent is the envelope every client frame arrives in: {"type": "...",
// "data": {...}}. data is left raw so each handler decodes its own shape.
type inboundIntent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// readPump is the session's single reader goroutine: it decodes one intent
// per frame and dispatches to the matching use-case until the connection
// closes. Per §5, no lock is held across the blocking ReadMessage call.
func (g *Gateway) readPump(ctx context.Context, sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var intent inboundIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			sess.enqueue(wireFrame{Event: "message_error", Payload: map[string]string{"error": "malformed frame"}})
			continue
		}

		if intent.Type != "ping" && sess.limiter != nil && !sess.limiter.Allow() {
			sess.enqueue(wireFrame{Event: "message_error", Payload: map[string]string{"type": intent.Type, "error": "rate limit exceeded"}})
			continue
		}

		g.handleIntent(ctx, sess, intent)
	}
}

func (g *Gateway) handleIntent(ctx context.Context, sess *session, intent inboundIntent) {
	var err error
	switch intent.Type {
	case "privateMessage":
		err = g.handleSend(ctx, sess, intent.Data, chatmodel.ConversationTypePrivate)
	case "groupMessage":
		err = g.handleSend(ctx, sess, intent.Data, chatmodel.ConversationTypeGroup)
	case "markMessageDelivered":
		err = g.handleMark(ctx, sess, intent.Data, chatmodel.MessageStatusDelivered)
	case "markMessageRead":
		err = g.handleMark(ctx, sess, intent.Data, chatmodel.MessageStatusRead)
	case "editMessage":
		err = g.handleEdit(ctx, sess, intent.Data)
	case "deleteMessage":
		err = g.handleDelete(ctx, sess, intent.Data)
	case "typing":
		err = g.handleTyping(ctx, sess, intent.Data)
	case "getOnlineUsers":
		err = g.handleGetOnlineUsers(ctx, sess, intent.Data)
	case "ping":
		sess.enqueue(wireFrame{Event: "pong", Payload: nil})
	default:
		err = merrors.New(merrors.KindValidation, "gateway.handleIntent", merrors.ErrUnknownType)
	}

	if err != nil {
		g.logger.Info("gateway: intent rejected", zap.String("sessionId", sess.id), zap.String("type", intent.Type), zap.Error(err))
		sess.enqueue(wireFrame{Event: "message_error", Payload: map[string]string{"type": intent.Type, "error": err.Error()}})
	}
}

// handleSend covers privateMessage/groupMessage: both decode the same body
// shape and differ only in the conversation type routed to the publisher.
func (g *Gateway) handleSend(ctx context.Context, sess *session, data json.RawMessage, convType chatmodel.ConversationType) error {
	var body struct {
		ConversationID string                 `json:"conversationId"`
		Content        string                 `json:"content"`
		Type           string                 `json:"type"`
		ClientMsgID    string                 `json:"clientMsgId"`
		Metadata       map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return merrors.New(merrors.KindValidation, "gateway.handleSend", merrors.ErrMissingField)
	}

	msgType := chatmodel.MessageTypeText
	if body.Type != "" {
		msgType = chatmodel.MessageType(body.Type)
	}

	msg := &chatmodel.Message{
		ConversationID: body.ConversationID,
		SenderID:       sess.userID,
		Content:        body.Content,
		Type:           msgType,
		Metadata:       body.Metadata,
	}

	routing, err := g.routingFor(ctx, body.ConversationID, convType)
	if err != nil {
		return err
	}
	g.joinRoom(ctx, sess, body.ConversationID)

	result, outcome, err := g.pub.PublishMessage(ctx, msg, routing, body.ClientMsgID)
	if err != nil {
		return err
	}

	event := "newMessage"
	if outcome == publisher.OutcomeAccepted {
		event = "messagePending"
	}
	sess.enqueue(wireFrame{Event: event, Payload: messagePayload(result)})
	return nil
}

// routingFor resolves the conversation's participant set so PublishMessage
// can validate senderId membership and fan out without a second repository
// round trip inside the DeliveryEngine.
func (g *Gateway) routingFor(ctx context.Context, conversationID string, convType chatmodel.ConversationType) (publisher.Routing, error) {
	conv, err := g.repo.FindConversation(ctx, conversationID)
	if err != nil {
		return publisher.Routing{}, merrors.New(merrors.KindNotFound, "gateway.routingFor", merrors.ErrConversationNotFound)
	}
	return publisher.Routing{ConversationType: convType, Participants: conv.Participants}, nil
}

func (g *Gateway) handleMark(ctx context.Context, sess *session, data json.RawMessage, status chatmodel.MessageStatus) error {
	var body struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.MessageID == "" {
		return merrors.New(merrors.KindValidation, "gateway.handleMark", merrors.ErrMissingField)
	}
	return g.pub.PublishMessageStatus(ctx, body.MessageID, sess.userID, status, time.Now(), nil)
}

func (g *Gateway) handleEdit(ctx context.Context, sess *session, data json.RawMessage) error {
	var body struct {
		MessageID string `json:"messageId"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.MessageID == "" {
		return merrors.New(merrors.KindValidation, "gateway.handleEdit", merrors.ErrMissingField)
	}
	result, outcome, err := g.pub.EditMessage(ctx, body.MessageID, sess.userID, body.Content)
	if err != nil {
		return err
	}
	event := "messageEdited"
	if outcome == publisher.OutcomeAccepted {
		event = "messagePending"
	}
	sess.enqueue(wireFrame{Event: event, Payload: messagePayload(result)})
	return nil
}

func (g *Gateway) handleDelete(ctx context.Context, sess *session, data json.RawMessage) error {
	var body struct {
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
		DeleteType     string `json:"deleteType"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.MessageID == "" {
		return merrors.New(merrors.KindValidation, "gateway.handleDelete", merrors.ErrMissingField)
	}
	deleteType := chatmodel.DeleteForMe
	if body.DeleteType != "" {
		deleteType = chatmodel.DeleteType(body.DeleteType)
	}
	g.joinRoom(ctx, sess, body.ConversationID)
	result, outcome, err := g.pub.DeleteMessage(ctx, body.MessageID, sess.userID, body.ConversationID, deleteType)
	if err != nil {
		return err
	}
	event := "messageDeleted"
	if outcome == publisher.OutcomeAccepted {
		event = "messagePending"
	}
	sess.enqueue(wireFrame{Event: event, Payload: messagePayload(result)})
	return nil
}

// handleTyping is fire-and-forget (§7: interaction-family entries aren't
// queueable); a transient stream failure is buffered by the publisher's
// overflow queue, so the client sees an error here only for a malformed
// intent or a full overflow buffer.
func (g *Gateway) handleTyping(ctx context.Context, sess *session, data json.RawMessage) error {
	var body struct {
		ConversationID string `json:"conversationId"`
		IsTyping       bool   `json:"isTyping"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.ConversationID == "" {
		return merrors.New(merrors.KindValidation, "gateway.handleTyping", merrors.ErrMissingField)
	}
	g.joinRoom(ctx, sess, body.ConversationID)
	return g.pub.PublishInteractionEvent(ctx, "typing", body.ConversationID, sess.userID, map[string]interface{}{
		"isTyping": body.IsTyping,
	})
}

func (g *Gateway) handleGetOnlineUsers(ctx context.Context, sess *session, data json.RawMessage) error {
	var body struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.ConversationID == "" {
		return merrors.New(merrors.KindValidation, "gateway.handleGetOnlineUsers", merrors.ErrMissingField)
	}
	online := g.registry.OnlineParticipants(body.ConversationID)
	sess.enqueue(wireFrame{Event: "onlineUsers", Payload: map[string]interface{}{
		"conversationId": body.ConversationID,
		"userIds":        online,
	}})
	return nil
}

func messagePayload(msg *chatmodel.Message) map[string]interface{} {
	if msg == nil {
		return nil
	}
	return map[string]interface{}{
		"messageId":      msg.MessageID,
		"conversationId": msg.ConversationID,
		"senderId":       msg.SenderID,
		"content":        msg.Content,
		"type":           string(msg.Type),
		"status":         string(msg.Status),
		"timestamp":      msg.CreatedAt.UnixMilli(),
	}
}
