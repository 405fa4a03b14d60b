package streaming

// Stream name constants for every family declared in the stream registry
// (§4.3). "Technical" streams carry the WAL/Retry/Fallback/DLQ/Metrics
// plumbing; the rest carry domain events fanned out to the delivery engine
// and the user cache.
const (
	// Technical
	StreamWAL      = "internal:wal"
	StreamRetry    = "internal:retry"
	StreamDLQ      = "internal:dlq"
	StreamFallback = "internal:fallback"
	StreamMetrics  = "internal:metrics"

	// Message content
	StreamMessagesPrivate = "messages:private"
	StreamMessagesGroup   = "messages:group"
	StreamMessagesChannel = "messages:channel"

	// Status
	StreamStatusDelivered = "status:delivered"
	StreamStatusRead      = "status:read"
	StreamStatusEdited    = "status:edited"
	StreamStatusDeleted   = "status:deleted"

	// Interaction events
	StreamEventsTyping    = "events:typing"
	StreamEventsReactions = "events:reactions"
	StreamEventsReplies   = "events:replies"

	// Business events
	StreamEventsConversations = "events:conversations"
	StreamEventsUsers         = "events:users"
	StreamEventsFiles         = "events:files"
	StreamEventsNotifications = "events:notifications"
)

// AllMessageStreams returns the streams a delivery-engine consumer group
// must subscribe to for message content, in registry order.
func AllMessageStreams() []string {
	return []string{StreamMessagesPrivate, StreamMessagesGroup, StreamMessagesChannel}
}

// AllStatusStreams returns the read-receipt/edit/delete status streams.
func AllStatusStreams() []string {
	return []string{StreamStatusDelivered, StreamStatusRead, StreamStatusEdited, StreamStatusDeleted}
}

// AllInteractionStreams returns the ephemeral interaction-event streams.
func AllInteractionStreams() []string {
	return []string{StreamEventsTyping, StreamEventsReactions, StreamEventsReplies}
}

// AllBusinessStreams returns the business-event streams the user cache and
// delivery engine both consume.
func AllBusinessStreams() []string {
	return []string{StreamEventsConversations, StreamEventsUsers, StreamEventsFiles, StreamEventsNotifications}
}

// defaultMaxLen is used for any stream without an explicit entry in
// config.Config.Streams.
const defaultMaxLen int64 = 100000
