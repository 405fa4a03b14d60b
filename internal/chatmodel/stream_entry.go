package chatmodel

// StreamEntry is the normalised shape of a single append-only log record:
// an opaque monotonic id plus a flat string-keyed field map. Structured
// payloads live under the "data" field as canonical JSON.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// DataField returns the raw "data" field (the canonical JSON payload carried
// by WAL/Retry/Fallback entries and most envelope streams), or "" if absent.
func (e StreamEntry) DataField() string {
	return e.Fields["data"]
}

// Event names carried on the "event" field of message/status/business streams.
const (
	EventNewMessage             = "NEW_MESSAGE"
	EventConversationCreated    = "conversation.created"
	EventParticipantAdded       = "conversation.participant.added"
	EventParticipantRemoved     = "conversation.participant.removed"
	EventUserProfileCreated     = "user.profile.created"
	EventUserProfileUpdated     = "user.profile.updated"
	EventUserProfileDeleted     = "user.profile.deleted"
	EventUserProfileSynced      = "user.profile.synced"
)

// DeleteType distinguishes local vs. global message deletion.
type DeleteType string

const (
	DeleteForMe       DeleteType = "FOR_ME"
	DeleteForEveryone DeleteType = "FOR_EVERYONE"
)
