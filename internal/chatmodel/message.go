// Package chatmodel defines the data model shared across the messaging core:
// messages, conversations, user profiles and the raw stream entry shape they
// are carried in.
package chatmodel

import "time"

// MessageType enumerates the supported message payload kinds.
type MessageType string

const (
	MessageTypeText     MessageType = "TEXT"
	MessageTypeImage    MessageType = "IMAGE"
	MessageTypeVideo    MessageType = "VIDEO"
	MessageTypeAudio    MessageType = "AUDIO"
	MessageTypeFile     MessageType = "FILE"
	MessageTypeLocation MessageType = "LOCATION"
	MessageTypeContact  MessageType = "CONTACT"
	MessageTypeSystem   MessageType = "SYSTEM"
)

// MessageStatus enumerates the lifecycle states of a Message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
	MessageStatusEdited    MessageStatus = "EDITED"
	MessageStatusDeleted   MessageStatus = "DELETED"
	MessageStatusFailed    MessageStatus = "FAILED"
)

// statusRank gives the ordered position of a delivery status on the
// SENT < DELIVERED < READ chain. EDITED/DELETED are orthogonal flags and are
// not part of the ordering.
var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// MaxEffectiveStatus merges an out-of-order status update with the current
// effective status, returning whichever is further along the delivery chain.
// EDITED and DELETED always win since they are not part of the ordering.
func MaxEffectiveStatus(current, incoming MessageStatus) MessageStatus {
	if incoming == MessageStatusEdited || incoming == MessageStatusDeleted {
		return incoming
	}
	if current == MessageStatusEdited || current == MessageStatusDeleted {
		return current
	}
	if statusRank[incoming] > statusRank[current] {
		return incoming
	}
	return current
}

// Reaction is a single emoji reaction attached to a message.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxContentBytes is the trimmed-content size ceiling from the data model.
const MaxContentBytes = 10000

// Message is the core unit of chat content.
type Message struct {
	MessageID      string                 `json:"messageId" db:"message_id"`
	ConversationID string                 `json:"conversationId" db:"conversation_id"`
	SenderID       string                 `json:"senderId" db:"sender_id"`
	ReceiverID     string                 `json:"receiverId,omitempty" db:"receiver_id"`
	Content        string                 `json:"content" db:"content"`
	Type           MessageType            `json:"type" db:"type"`
	Status         MessageStatus          `json:"status" db:"status"`
	CreatedAt      time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time              `json:"updatedAt" db:"updated_at"`
	EditedAt       *time.Time             `json:"editedAt,omitempty" db:"edited_at"`
	DeletedAt      *time.Time             `json:"deletedAt,omitempty" db:"deleted_at"`
	ReplyTo        string                 `json:"replyTo,omitempty" db:"reply_to"`
	Reactions      []Reaction             `json:"reactions,omitempty" db:"-"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"-"`
}

// ConversationType enumerates the supported conversation shapes.
type ConversationType string

const (
	ConversationTypePrivate   ConversationType = "PRIVATE"
	ConversationTypeGroup     ConversationType = "GROUP"
	ConversationTypeBroadcast ConversationType = "BROADCAST"
	ConversationTypeChannel   ConversationType = "CHANNEL"
)

// MaxParticipants returns the cap on participant count for a conversation type.
// PRIVATE is always exactly 2; GROUP caps at 200; BROADCAST/CHANNEL are
// unbounded here (the repository enforces any tenant-specific cap).
func MaxParticipants(t ConversationType) int {
	switch t {
	case ConversationTypePrivate:
		return 2
	case ConversationTypeGroup:
		return 200
	default:
		return 0 // unbounded
	}
}

// ParticipantMeta holds per-participant denormalised conversation state.
type ParticipantMeta struct {
	UserID              string    `json:"userId"`
	UnreadCount         int       `json:"unreadCount"`
	LastReadAt          time.Time `json:"lastReadAt,omitempty"`
	IsMuted             bool      `json:"isMuted"`
	IsPinned            bool      `json:"isPinned"`
	NotificationsOn     bool      `json:"notificationsOn"`
	DisplayName         string    `json:"displayName,omitempty"`
	AvatarURL           string    `json:"avatarUrl,omitempty"`
}

// AuditEntry is a single append-only conversation audit record.
type AuditEntry struct {
	Event     string    `json:"event"`
	ActorID   string    `json:"actorId"`
	Timestamp time.Time `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Conversation groups participants around a shared message stream.
type Conversation struct {
	ConversationID string             `json:"conversationId" db:"conversation_id"`
	Type           ConversationType   `json:"type" db:"type"`
	Participants   []string           `json:"participants" db:"-"`
	Admins         []string           `json:"admins,omitempty" db:"-"`
	CreatedBy      string             `json:"createdBy" db:"created_by"`
	CreatedAt      time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time          `json:"updatedAt" db:"updated_at"`
	LastMessageID  string             `json:"lastMessageId,omitempty" db:"last_message_id"`
	UnreadCounts   map[string]int     `json:"unreadCounts" db:"-"`
	UserMetadata   []ParticipantMeta  `json:"userMetadata" db:"-"`
	AuditLog       []AuditEntry       `json:"auditLog,omitempty" db:"-"`
}

// IsParticipant reports whether userID is a member of the conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// PrivateKey returns the unordered-pair key PRIVATE conversations are keyed by.
func PrivateKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}
