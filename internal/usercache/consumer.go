package usercache

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// ConsumerGroup is the consumer group every user-cache warming instance shares.
const ConsumerGroup = "usercache-worker"

// Consumer is the UserStreamConsumer half of C9: it applies
// user.profile.created|updated|deleted entries from events:users to the
// Cache, keeping it warm without HTTP chatter to the profile service.
type Consumer struct {
	cache        *Cache
	mgr          *streaming.Manager
	consumerName string
	logger       *zap.Logger
}

// NewConsumer builds a Consumer. consumerName distinguishes this process's
// lease identity within ConsumerGroup when multiple nodes run it.
func NewConsumer(cache *Cache, mgr *streaming.Manager, consumerName string, logger *zap.Logger) *Consumer {
	return &Consumer{cache: cache, mgr: mgr, consumerName: consumerName, logger: logger}
}

// Start bootstraps the consumer group and begins consuming events:users.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.mgr.Bootstrap(ctx, ConsumerGroup, streaming.StreamEventsUsers); err != nil {
		return err
	}
	c.mgr.Consume(ctx, streaming.StreamEventsUsers, ConsumerGroup, c.consumerName, c.handle)
	return nil
}

func (c *Consumer) handle(ctx context.Context, entry chatmodel.StreamEntry) error {
	event := entry.Fields["event"]
	userID := entry.Fields["userId"]

	switch event {
	case chatmodel.EventUserProfileDeleted:
		if userID == "" {
			c.logger.Warn("user.profile.deleted entry missing userId, dropping", zap.String("id", entry.ID))
			return nil
		}
		if err := c.cache.Invalidate(ctx, userID); err != nil {
			return err
		}
		return nil

	case chatmodel.EventUserProfileCreated, chatmodel.EventUserProfileUpdated, chatmodel.EventUserProfileSynced:
		data := entry.DataField()
		if data == "" {
			c.logger.Warn("user profile event missing data field, dropping", zap.String("id", entry.ID), zap.String("event", event))
			return nil
		}
		var profile chatmodel.UserProfile
		if err := json.Unmarshal([]byte(data), &profile); err != nil {
			c.logger.Warn("user profile event payload malformed, dropping", zap.String("id", entry.ID), zap.Error(err))
			return nil
		}
		return c.cache.Set(ctx, &profile)

	default:
		c.logger.Warn("unknown events:users event, dropping", zap.String("id", entry.ID), zap.String("event", event))
		return nil
	}
}
