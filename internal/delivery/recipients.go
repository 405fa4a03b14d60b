package delivery

import (
	"context"
	"encoding/json"

	"github.com/chatcore/messaging-core/internal/merrors"
)

func decodeParticipants(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func without(list []string, exclude string) []string {
	out := make([]string, 0, len(list))
	for _, id := range list {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// resolveRecipients implements §4.6 step 2's per-family rule. It may mutate
// c.conversationID (status entries don't always carry one on the wire; it's
// recovered from the referenced message) so the caller's lane-hash and
// pending-store keys stay consistent.
func (e *Engine) resolveRecipients(ctx context.Context, c *classified) ([]string, error) {
	switch c.fam {
	case familyMessage:
		return e.resolveConversationRecipients(ctx, c, c.emitterID, true)

	case familyStatus:
		messageID, _ := c.payload["messageId"].(string)
		if messageID == "" {
			return nil, nil
		}
		msg, err := e.repo.FindByID(ctx, messageID)
		if err != nil {
			return nil, merrors.New(merrors.KindTransientStore, "delivery.resolveRecipients", err)
		}
		c.conversationID = msg.ConversationID
		// The original sender and other readers: everyone in the
		// conversation except whoever just produced this status entry.
		return e.resolveConversationRecipients(ctx, c, c.emitterID, false)

	case familyInteraction:
		// The active conversation room, not full conversation membership:
		// only participants who actually joined (are viewing) the room.
		return without(e.registry.OnlineParticipants(c.conversationID), c.emitterID), nil

	case familyConversationEvent:
		return e.resolveConversationRecipients(ctx, c, c.emitterID, false)

	default:
		return nil, nil
	}
}

// resolveConversationRecipients returns c's participant set, preferring the
// envelope's own participants field and falling back to a repository
// lookup. keepEmitter=false additionally drops emitter from the result
// (messages still notify the sender's other devices; status/business
// events don't need to echo back to their own actor).
func (e *Engine) resolveConversationRecipients(ctx context.Context, c *classified, emitter string, keepEmitter bool) ([]string, error) {
	participants := c.participants
	if len(participants) == 0 {
		conv, err := e.repo.FindConversation(ctx, c.conversationID)
		if err != nil {
			return nil, merrors.New(merrors.KindTransientStore, "delivery.resolveConversationRecipients", err)
		}
		participants = conv.Participants
	}
	if keepEmitter || emitter == "" {
		return participants, nil
	}
	return without(participants, emitter), nil
}
