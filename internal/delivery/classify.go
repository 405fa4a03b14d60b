package delivery

import (
	"fmt"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// family identifies which §4.6 recipient-resolution rule applies to an entry.
type family int

const (
	familyMessage family = iota
	familyStatus
	familyInteraction
	familyConversationEvent
)

// classified carries everything resolveRecipients and dispatch need, after
// the raw stream fields have been interpreted.
type classified struct {
	fam            family
	conversationID string
	emitterID      string // the actor who produced the entry, excluded from room fan-out
	outboundEvent  string
	payload        map[string]interface{}
	participants   []string // present for messages/events when the envelope carried them
	queueable      bool     // NEW_MESSAGE and STATUS queue for offline recipients; others are dropped
}

// outboundEventForStatus maps a status-stream entry's status field to the
// outbound socket event name (§6).
func outboundEventForStatus(status string) string {
	switch chatmodel.MessageStatus(status) {
	case chatmodel.MessageStatusDelivered:
		return "messageDelivered"
	case chatmodel.MessageStatusRead:
		return "messageRead"
	case chatmodel.MessageStatusEdited:
		return "messageEdited"
	case chatmodel.MessageStatusDeleted:
		return "messageDeleted"
	default:
		return "messageDelivered"
	}
}

// outboundEventForConversation maps an events:conversations entry's event
// field to the outbound socket event name (§6). "conversation.created" has
// no dedicated outbound name in the interface list, so it falls back to the
// generic conversationUpdated notice.
func outboundEventForConversation(event string) string {
	switch event {
	case chatmodel.EventParticipantAdded:
		return "conversation:participant:added"
	case chatmodel.EventParticipantRemoved:
		return "conversation:participant:removed"
	default:
		return "conversationUpdated"
	}
}

func payloadFromFields(fields map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func classify(stream string, entry chatmodel.StreamEntry) (*classified, error) {
	fields := entry.Fields
	payload := payloadFromFields(fields)

	switch stream {
	case streaming.StreamMessagesPrivate, streaming.StreamMessagesGroup, streaming.StreamMessagesChannel:
		conversationID := fields["conversationId"]
		if conversationID == "" {
			return nil, fmt.Errorf("message entry %s missing conversationId", entry.ID)
		}
		return &classified{
			fam:            familyMessage,
			conversationID: conversationID,
			emitterID:      fields["senderId"],
			outboundEvent:  "newMessage",
			payload:        payload,
			participants:   decodeParticipants(fields["participants"]),
			queueable:      true,
		}, nil

	case streaming.StreamStatusDelivered, streaming.StreamStatusRead, streaming.StreamStatusEdited, streaming.StreamStatusDeleted:
		return &classified{
			fam:           familyStatus,
			emitterID:     fields["userId"],
			outboundEvent: outboundEventForStatus(fields["status"]),
			payload:       payload,
			queueable:     true,
		}, nil

	case streaming.StreamEventsTyping, streaming.StreamEventsReactions, streaming.StreamEventsReplies:
		conversationID := fields["conversationId"]
		if conversationID == "" {
			return nil, fmt.Errorf("interaction entry %s missing conversationId", entry.ID)
		}
		event := fields["event"]
		if event == "" {
			event = "typing"
		}
		return &classified{
			fam:            familyInteraction,
			conversationID: conversationID,
			emitterID:      fields["userId"],
			outboundEvent:  event,
			payload:        payload,
			queueable:      false,
		}, nil

	case streaming.StreamEventsConversations:
		conversationID := fields["conversationId"]
		if conversationID == "" {
			return nil, fmt.Errorf("conversation event %s missing conversationId", entry.ID)
		}
		return &classified{
			fam:            familyConversationEvent,
			conversationID: conversationID,
			emitterID:      fields["actorId"],
			outboundEvent:  outboundEventForConversation(fields["event"]),
			payload:        payload,
			participants:   decodeParticipants(fields["participants"]),
			queueable:      false,
		}, nil

	default:
		return nil, fmt.Errorf("entry %s arrived on unrecognised stream %s", entry.ID, stream)
	}
}
