// Package publisher implements the ResilientPublisher (C8): the public
// write-side API every producer (SocketGateway use-cases, system jobs) calls
// to persist an intent and fan it out on the stream fabric. A primary-store
// failure under the circuit breaker never loses the intent: it is staged to
// WAL and Fallback and the caller gets back a stable Accepted/PENDING result
// instead of an error.
//
// Grounded on the orchestrator's circuitbreaker.DatabaseWrapper.ExecContext
// pattern (wrap the store call in cb.Execute, record the outcome) and the
// idempotency shape of cmd/gateway/internal/middleware/idempotency.go
// (sha256 cache key, Redis-backed short-circuit of a duplicate request).
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/circuitbreaker"
	"github.com/chatcore/messaging-core/internal/merrors"
	"github.com/chatcore/messaging-core/internal/metrics"
	"github.com/chatcore/messaging-core/internal/repository"
	"github.com/chatcore/messaging-core/internal/resilience"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// Outcome distinguishes a durably stored result from one only staged for
// eventual consistency, the Ok/Accepted split §7's propagation policy requires.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeAccepted
)

// ProfileLookup resolves the denormalised sender name a NEW_MESSAGE envelope
// must carry (§9 open question: senderName is required on every envelope).
// internal/usercache.Cache satisfies this without publisher importing it back.
type ProfileLookup interface {
	Get(ctx context.Context, matricule string) (*chatmodel.UserProfile, bool, error)
}

// Routing carries the conversation context PublishMessage needs to pick a
// content stream and, when the repository can't be consulted, the recipient
// set directly.
type Routing struct {
	ConversationType chatmodel.ConversationType
	Participants     []string
}

// Options tunes the publisher's overflow buffer and idempotency TTL.
type Options struct {
	OverflowBufferSize int
	IdempotencyTTL     time.Duration
}

// Publisher is the ResilientPublisher (C8).
type Publisher struct {
	repo     repository.Repository
	cb       *circuitbreaker.CircuitBreaker
	mgr      *streaming.Manager
	profiles ProfileLookup
	idem     *idempotencyStore
	overflow *overflowQueue
	logger   *zap.Logger
}

// New builds a Publisher. profiles may be nil (senderName then falls back to
// senderId rather than failing the publish). A positive opts.IdempotencyTTL
// replaces the TTL idem was built with.
func New(repo repository.Repository, cb *circuitbreaker.CircuitBreaker, mgr *streaming.Manager, idem *idempotencyStore, profiles ProfileLookup, opts Options, logger *zap.Logger) *Publisher {
	if opts.OverflowBufferSize <= 0 {
		opts.OverflowBufferSize = 10000
	}
	if opts.IdempotencyTTL > 0 && idem != nil {
		idem.ttl = opts.IdempotencyTTL
	}
	return &Publisher{
		repo:     repo,
		cb:       cb,
		mgr:      mgr,
		profiles: profiles,
		idem:     idem,
		overflow: newOverflowQueue(mgr, opts.OverflowBufferSize, logger),
		logger:   logger,
	}
}

// RunOverflow drains the in-process overflow buffer until ctx is cancelled.
// Call once at bootstrap alongside the resilience workers.
func (p *Publisher) RunOverflow(ctx context.Context) {
	p.overflow.Run(ctx)
}

func contentStreamFor(t chatmodel.ConversationType) string {
	switch t {
	case chatmodel.ConversationTypePrivate:
		return streaming.StreamMessagesPrivate
	case chatmodel.ConversationTypeGroup:
		return streaming.StreamMessagesGroup
	default: // CHANNEL and BROADCAST both fan out over the channel stream
		return streaming.StreamMessagesChannel
	}
}

func statusStreamFor(status chatmodel.MessageStatus) (string, error) {
	switch status {
	case chatmodel.MessageStatusDelivered:
		return streaming.StreamStatusDelivered, nil
	case chatmodel.MessageStatusRead:
		return streaming.StreamStatusRead, nil
	case chatmodel.MessageStatusEdited:
		return streaming.StreamStatusEdited, nil
	case chatmodel.MessageStatusDeleted:
		return streaming.StreamStatusDeleted, nil
	default:
		return "", fmt.Errorf("%w: %s", merrors.ErrUnknownType, status)
	}
}

func validateMessage(msg *chatmodel.Message, routing Routing) error {
	if msg.ConversationID == "" || msg.SenderID == "" {
		return merrors.New(merrors.KindValidation, "publisher.validate", merrors.ErrMissingField)
	}
	if len(msg.Content) > chatmodel.MaxContentBytes {
		return merrors.New(merrors.KindValidation, "publisher.validate", merrors.ErrOversizedContent)
	}
	if len(routing.Participants) > 0 && !contains(routing.Participants, msg.SenderID) {
		return merrors.New(merrors.KindForbidden, "publisher.validate", merrors.ErrNotParticipant)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// resolveSenderName looks up the denormalised display name for a NEW_MESSAGE
// envelope. A lookup failure or miss falls back to the bare senderId rather
// than failing the publish; the envelope contract still requires a non-empty
// field, it just degrades to the raw id.
func (p *Publisher) resolveSenderName(ctx context.Context, senderID string) string {
	if p.profiles == nil {
		return senderID
	}
	profile, ok, err := p.profiles.Get(ctx, senderID)
	if err != nil {
		p.logger.Warn("sender profile lookup failed, using raw id", zap.String("sender_id", senderID), zap.Error(err))
		return senderID
	}
	if !ok {
		return senderID
	}
	if name := profile.EffectiveFullName(); name != "" {
		return name
	}
	return senderID
}

// PublishMessage persists msg through the circuit breaker and fans it out as
// a NEW_MESSAGE envelope on the routed content stream (§4.4).
func (p *Publisher) PublishMessage(ctx context.Context, msg *chatmodel.Message, routing Routing, clientMsgID string) (*chatmodel.Message, Outcome, error) {
	if err := validateMessage(msg, routing); err != nil {
		return nil, OutcomeOk, err
	}

	now := time.Now()
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	if msg.Status == "" {
		msg.Status = chatmodel.MessageStatusSent
	}

	if clientMsgID != "" && p.idem != nil {
		existingID, claimed, err := p.idem.claim(ctx, clientMsgID, msg.SenderID, msg.MessageID)
		if err != nil {
			p.logger.Warn("idempotency claim failed, proceeding without dedup", zap.Error(err))
		} else if !claimed && existingID != "" {
			if existing, ferr := p.repo.FindByID(ctx, existingID); ferr == nil {
				return existing, OutcomeOk, nil
			}
			// Cached id not (yet) readable from the store: fall through and
			// let this attempt proceed rather than surface a spurious error.
		}
	}

	saveErr := p.cb.Execute(ctx, func() error {
		return p.repo.Save(ctx, msg)
	})
	if saveErr != nil {
		result, outcome, err := p.stageFailure(ctx, msg, routing, saveErr)
		if err != nil {
			metrics.RecordPublish("error")
		} else {
			metrics.RecordPublish("accepted")
		}
		return result, outcome, err
	}

	if err := p.publishEnvelope(ctx, msg, routing); err != nil {
		p.logger.Warn("content stream publish failed, buffering", zap.String("message_id", msg.MessageID), zap.Error(err))
	}

	metrics.RecordPublish("ok")
	return msg, OutcomeOk, nil
}

// publishEnvelope appends the NEW_MESSAGE envelope to the routed content
// stream, falling back to the bounded overflow buffer on stream failure.
func (p *Publisher) publishEnvelope(ctx context.Context, msg *chatmodel.Message, routing Routing) error {
	stream := contentStreamFor(routing.ConversationType)
	fields := p.envelopeFields(ctx, msg, routing)

	if _, err := p.mgr.Publish(ctx, stream, fields); err != nil {
		if qerr := p.overflow.push(overflowJob{stream: stream, fields: fields}); qerr != nil {
			return merrors.New(merrors.KindStream, "publisher.publishEnvelope", qerr)
		}
	}
	return nil
}

func (p *Publisher) envelopeFields(ctx context.Context, msg *chatmodel.Message, routing Routing) map[string]interface{} {
	fields := map[string]interface{}{
		"event":          chatmodel.EventNewMessage,
		"messageId":      msg.MessageID,
		"conversationId": msg.ConversationID,
		"senderId":       msg.SenderID,
		"senderName":     p.resolveSenderName(ctx, msg.SenderID),
		"content":        msg.Content,
		"type":           string(msg.Type),
		"status":         string(msg.Status),
		"timestamp":      msg.CreatedAt.UnixMilli(),
	}
	if msg.Metadata != nil {
		if b, err := json.Marshal(msg.Metadata); err == nil {
			fields["metadata"] = string(b)
		}
	}
	if len(routing.Participants) > 0 {
		if b, err := json.Marshal(routing.Participants); err == nil {
			fields["participants"] = string(b)
		}
	}
	return fields
}

// stageFailure implements §4.4's failure policy: append to WAL and Fallback,
// then return a synthetic PENDING entity instead of an error.
func (p *Publisher) stageFailure(ctx context.Context, msg *chatmodel.Message, routing Routing, cause error) (*chatmodel.Message, Outcome, error) {
	return p.stage(ctx, envelope{Message: msg, Routing: routing, Kind: envelopeKindCreate}, msg, cause)
}

// stageUpdateFailure stages an edit/delete mutation the same way: the
// primary-store Update is retried from WAL/Retry/Fallback just like a
// Save, distinguished by Kind so Replay knows which repository method to
// call and which stream family the eventually-recovered event belongs on.
func (p *Publisher) stageUpdateFailure(ctx context.Context, msg *chatmodel.Message, actorID string, deleteType chatmodel.DeleteType, conversationID string, cause error) (*chatmodel.Message, Outcome, error) {
	return p.stage(ctx, envelope{
		Message:        msg,
		Kind:           envelopeKindUpdate,
		ActorID:        actorID,
		DeleteType:     deleteType,
		ConversationID: conversationID,
	}, msg, cause)
}

func (p *Publisher) stage(ctx context.Context, env envelope, msg *chatmodel.Message, cause error) (*chatmodel.Message, Outcome, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, OutcomeOk, merrors.New(merrors.KindTransientStore, "publisher.stage", cause)
	}

	now := time.Now()
	entry := resilience.Entry{Data: string(payload), Attempt: 1, Timestamp: now, NextRetryAt: now}

	walErr := p.appendOrBuffer(ctx, streaming.StreamWAL, entry.Fields())
	fallbackErr := p.appendOrBuffer(ctx, streaming.StreamFallback, withFlag(entry.Fields()))

	if walErr != nil && fallbackErr != nil {
		return nil, OutcomeOk, merrors.New(merrors.KindStream, "publisher.stage", walErr)
	}

	p.logger.Warn("primary store write failed, staged to WAL/fallback",
		zap.String("message_id", msg.MessageID), zap.Error(cause))

	pending := *msg
	pending.Status = chatmodel.MessageStatusPending
	return &pending, OutcomeAccepted, nil
}

func withFlag(fields map[string]interface{}) map[string]interface{} {
	fields["fallback"] = "true"
	return fields
}

// appendOrBuffer publishes fields to stream, falling back to the overflow
// buffer (never silently dropping) if the append itself fails.
func (p *Publisher) appendOrBuffer(ctx context.Context, stream string, fields map[string]interface{}) error {
	if _, err := p.mgr.Publish(ctx, stream, fields); err != nil {
		return p.overflow.push(overflowJob{stream: stream, fields: fields})
	}
	return nil
}

// envelopeKind discriminates a staged create (new message, repo.Save) from
// a staged mutation (edit/delete, repo.Update) so Replay knows which
// repository method and which derived stream the recovered entry belongs on.
type envelopeKind string

const (
	envelopeKindCreate envelopeKind = "create"
	envelopeKindUpdate envelopeKind = "update"
)

// envelope is the JSON shape staged to WAL/Fallback: enough to replay both
// the primary-store write and the eventual derived-stream publish.
type envelope struct {
	Message        *chatmodel.Message  `json:"message"`
	Routing        Routing             `json:"routing"`
	Kind           envelopeKind        `json:"kind,omitempty"`
	ActorID        string              `json:"actorId,omitempty"`
	DeleteType     chatmodel.DeleteType `json:"deleteType,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
}

// PublishMessageStatus advances messageID's stored status via the
// SENT<=DELIVERED<=READ monotonicity merge (chatmodel.MaxEffectiveStatus,
// testable property 4) and appends a status-update entry to the matching
// status stream (§4.4, §6). A stale out-of-order DELIVERED arriving after
// READ leaves the stored status untouched but still emits its own stream
// entry, since downstream consumers (e.g. per-recipient read receipts) care
// about the event even when it doesn't move the merged status.
func (p *Publisher) PublishMessageStatus(ctx context.Context, messageID, userID string, status chatmodel.MessageStatus, ts time.Time, extra map[string]interface{}) error {
	stream, err := statusStreamFor(status)
	if err != nil {
		return merrors.New(merrors.KindValidation, "publisher.PublishMessageStatus", err)
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	if err := p.applyStatus(ctx, messageID, userID, status, ts); err != nil {
		p.logger.Warn("status merge failed, publishing stream entry without repo update",
			zap.String("message_id", messageID), zap.Error(err))
	}

	fields := map[string]interface{}{
		"messageId": messageID,
		"userId":    userID,
		"status":    string(status),
		"timestamp": ts.UnixMilli(),
	}
	for k, v := range extra {
		fields[k] = v
	}

	if _, err := p.mgr.Publish(ctx, stream, fields); err != nil {
		if qerr := p.overflow.push(overflowJob{stream: stream, fields: fields}); qerr != nil {
			return merrors.New(merrors.KindStream, "publisher.PublishMessageStatus", qerr)
		}
	}
	return nil
}

// applyStatus loads messageID, merges incoming status via MaxEffectiveStatus
// and writes the result back under the breaker. A primary-store failure
// stages the merged message to WAL/Fallback the same way EditMessage and
// DeleteMessage do, so a DELIVERED/READ mark is never silently lost.
func (p *Publisher) applyStatus(ctx context.Context, messageID, userID string, status chatmodel.MessageStatus, ts time.Time) error {
	msg, err := p.repo.FindByID(ctx, messageID)
	if err != nil {
		return err
	}

	merged := chatmodel.MaxEffectiveStatus(msg.Status, status)
	if merged == msg.Status {
		return nil
	}
	msg.Status = merged
	msg.UpdatedAt = ts

	updateErr := p.cb.Execute(ctx, func() error { return p.repo.Update(ctx, msg) })
	if updateErr != nil {
		if _, _, serr := p.stageUpdateFailure(ctx, msg, userID, chatmodel.DeleteType(""), "", updateErr); serr != nil {
			return serr
		}
	}
	return nil
}

// PublishConversationEvent appends a business event to events:conversations.
func (p *Publisher) PublishConversationEvent(ctx context.Context, kind string, payload map[string]interface{}) error {
	fields := map[string]interface{}{"event": kind}
	for k, v := range payload {
		fields[k] = v
	}
	if _, err := p.mgr.Publish(ctx, streaming.StreamEventsConversations, fields); err != nil {
		if qerr := p.overflow.push(overflowJob{stream: streaming.StreamEventsConversations, fields: fields}); qerr != nil {
			return merrors.New(merrors.KindStream, "publisher.PublishConversationEvent", qerr)
		}
	}
	return nil
}

// interactionStreamFor maps a §4.3 interaction kind to its ephemeral stream.
func interactionStreamFor(kind string) (string, error) {
	switch kind {
	case "typing":
		return streaming.StreamEventsTyping, nil
	case "reaction":
		return streaming.StreamEventsReactions, nil
	case "reply":
		return streaming.StreamEventsReplies, nil
	default:
		return "", fmt.Errorf("%w: %s", merrors.ErrUnknownType, kind)
	}
}

// PublishInteractionEvent appends an ephemeral, non-queueable interaction
// entry (typing/reaction/reply, §4.3's interaction-event family) to its
// dedicated stream. Like PublishConversationEvent, a stream-append failure
// goes only to the overflow buffer, never to WAL/Fallback: a dropped typing
// indicator is not worth retry machinery.
func (p *Publisher) PublishInteractionEvent(ctx context.Context, kind, conversationID, userID string, payload map[string]interface{}) error {
	stream, err := interactionStreamFor(kind)
	if err != nil {
		return merrors.New(merrors.KindValidation, "publisher.PublishInteractionEvent", err)
	}

	fields := map[string]interface{}{
		"event":          kind,
		"conversationId": conversationID,
		"userId":         userID,
		"timestamp":      time.Now().UnixMilli(),
	}
	for k, v := range payload {
		fields[k] = v
	}

	if _, err := p.mgr.Publish(ctx, stream, fields); err != nil {
		if qerr := p.overflow.push(overflowJob{stream: stream, fields: fields}); qerr != nil {
			return merrors.New(merrors.KindStream, "publisher.PublishInteractionEvent", qerr)
		}
	}
	return nil
}

// PublishSystemMessage inserts a synthetic SYSTEM-type message (e.g. a
// group/broadcast creation notice) through the same path as a user message.
func (p *Publisher) PublishSystemMessage(ctx context.Context, conversationID, body string, routing Routing) (*chatmodel.Message, Outcome, error) {
	msg := &chatmodel.Message{
		ConversationID: conversationID,
		SenderID:       "system",
		Content:        body,
		Type:           chatmodel.MessageTypeSystem,
		Status:         chatmodel.MessageStatusSent,
	}
	// A system message is not authored by a participant; skip the
	// participant-membership check the ordinary send path enforces.
	return p.publishSystem(ctx, msg, routing)
}

// Replay satisfies resilience.ReplayFunc: it is the re-attempt callback every
// WAL/Retry/Fallback worker drives against a staged entry's JSON payload
// (step 3 of §4.5's per-entry contract). A malformed payload is reported as
// KindPoisonMessage so the processor drops it instead of retrying forever;
// a repository failure is returned bare so the processor reschedules.
func (p *Publisher) Replay(ctx context.Context, data string) (*resilience.ReplayResult, error) {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil || env.Message == nil {
		return nil, merrors.New(merrors.KindPoisonMessage, "publisher.Replay", merrors.ErrMalformedEntry)
	}

	if env.Kind == envelopeKindUpdate {
		if err := p.repo.Update(ctx, env.Message); err != nil {
			return nil, err
		}
		stream, err := statusStreamFor(env.Message.Status)
		if err != nil {
			return nil, merrors.New(merrors.KindPoisonMessage, "publisher.Replay", err)
		}
		fields := map[string]interface{}{
			"messageId": env.Message.MessageID,
			"userId":    env.ActorID,
			"status":    string(env.Message.Status),
			"timestamp": env.Message.UpdatedAt.UnixMilli(),
		}
		if env.Message.Status == chatmodel.MessageStatusEdited {
			fields["content"] = env.Message.Content
		}
		if env.Message.Status == chatmodel.MessageStatusDeleted {
			fields["conversationId"] = env.ConversationID
			fields["deleteType"] = string(env.DeleteType)
		}
		return &resilience.ReplayResult{Stream: stream, Fields: fields}, nil
	}

	if err := p.repo.Save(ctx, env.Message); err != nil {
		return nil, err
	}

	stream := contentStreamFor(env.Routing.ConversationType)
	return &resilience.ReplayResult{Stream: stream, Fields: p.envelopeFields(ctx, env.Message, env.Routing)}, nil
}

// EditMessage applies an owner-only content edit (§3, §8 S6). A non-owner
// actor is rejected as Forbidden before any store or stream mutation.
func (p *Publisher) EditMessage(ctx context.Context, messageID, actorID, content string) (*chatmodel.Message, Outcome, error) {
	if len(content) > chatmodel.MaxContentBytes {
		return nil, OutcomeOk, merrors.New(merrors.KindValidation, "publisher.EditMessage", merrors.ErrOversizedContent)
	}
	msg, err := p.repo.FindByID(ctx, messageID)
	if err != nil {
		return nil, OutcomeOk, err
	}
	if msg.SenderID != actorID {
		return nil, OutcomeOk, merrors.New(merrors.KindForbidden, "publisher.EditMessage", merrors.ErrNotOwner)
	}

	now := time.Now()
	msg.Content = content
	msg.Status = chatmodel.MessageStatusEdited
	msg.EditedAt = &now
	msg.UpdatedAt = now

	updateErr := p.cb.Execute(ctx, func() error { return p.repo.Update(ctx, msg) })
	if updateErr != nil {
		result, outcome, serr := p.stageUpdateFailure(ctx, msg, actorID, chatmodel.DeleteType(""), "", updateErr)
		if serr != nil {
			metrics.RecordPublish("error")
		} else {
			metrics.RecordPublish("accepted")
		}
		return result, outcome, serr
	}

	if err := p.PublishMessageStatus(ctx, msg.MessageID, actorID, chatmodel.MessageStatusEdited, now,
		map[string]interface{}{"content": msg.Content}); err != nil {
		p.logger.Warn("status stream publish failed after edit, buffering", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
	metrics.RecordPublish("ok")
	return msg, OutcomeOk, nil
}

// DeleteMessage soft-deletes an owner-only message (§3 "never hard-deleted
// by the core", §8 S5). deleteType distinguishes FOR_ME from FOR_EVERYONE;
// the core always records the mutation the same way and leaves per-viewer
// visibility filtering to the consuming client/repository layer.
func (p *Publisher) DeleteMessage(ctx context.Context, messageID, actorID, conversationID string, deleteType chatmodel.DeleteType) (*chatmodel.Message, Outcome, error) {
	msg, err := p.repo.FindByID(ctx, messageID)
	if err != nil {
		return nil, OutcomeOk, err
	}
	if msg.SenderID != actorID {
		return nil, OutcomeOk, merrors.New(merrors.KindForbidden, "publisher.DeleteMessage", merrors.ErrNotOwner)
	}

	now := time.Now()
	msg.Status = chatmodel.MessageStatusDeleted
	msg.DeletedAt = &now
	msg.UpdatedAt = now

	updateErr := p.cb.Execute(ctx, func() error { return p.repo.Update(ctx, msg) })
	if updateErr != nil {
		result, outcome, serr := p.stageUpdateFailure(ctx, msg, actorID, deleteType, conversationID, updateErr)
		if serr != nil {
			metrics.RecordPublish("error")
		} else {
			metrics.RecordPublish("accepted")
		}
		return result, outcome, serr
	}

	if err := p.PublishMessageStatus(ctx, msg.MessageID, actorID, chatmodel.MessageStatusDeleted, now,
		map[string]interface{}{"conversationId": conversationID, "deleteType": string(deleteType)}); err != nil {
		p.logger.Warn("status stream publish failed after delete, buffering", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
	metrics.RecordPublish("ok")
	return msg, OutcomeOk, nil
}

func (p *Publisher) publishSystem(ctx context.Context, msg *chatmodel.Message, routing Routing) (*chatmodel.Message, Outcome, error) {
	now := time.Now()
	msg.MessageID = uuid.NewString()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	saveErr := p.cb.Execute(ctx, func() error {
		return p.repo.Save(ctx, msg)
	})
	if saveErr != nil {
		return p.stageFailure(ctx, msg, routing, saveErr)
	}
	if err := p.publishEnvelope(ctx, msg, routing); err != nil {
		p.logger.Warn("system message stream publish failed, buffering", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
	return msg, OutcomeOk, nil
}
