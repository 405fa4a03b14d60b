package usercache

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/streaming"
)

// ProfileSource is the external collaborator the prewarmer iterates on
// start. Its implementation (the profile service's own store) is out of
// scope (spec.md §1: "the core only consumes a UserInfo lookup capability");
// this is that capability's bulk-listing shape.
type ProfileSource interface {
	ListProfiles(ctx context.Context, cursor string, limit int) (profiles []*chatmodel.UserProfile, nextCursor string, err error)
}

// Prewarmer republishes a full profile snapshot onto events:users on start,
// after draining whatever was already staged there. This is the
// stream-publishing SmartCachePrewarmer variant (§9 open question): it is
// idempotent (consumers just replay user.profile.synced like any update)
// and survives a restart mid-run, unlike writing the cache directly.
type Prewarmer struct {
	source    ProfileSource
	client    *streaming.Client
	mgr       *streaming.Manager
	batchSize int
	logger    *zap.Logger
}

// NewPrewarmer builds a Prewarmer. batchSize<=0 defaults to 200.
func NewPrewarmer(source ProfileSource, client *streaming.Client, mgr *streaming.Manager, batchSize int, logger *zap.Logger) *Prewarmer {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Prewarmer{source: source, client: client, mgr: mgr, batchSize: batchSize, logger: logger}
}

// Run drains events:users and republishes every profile from source as a
// user.profile.synced entry. Safe to call on every process start.
func (p *Prewarmer) Run(ctx context.Context) error {
	if err := p.client.Trim(ctx, streaming.StreamEventsUsers, 0); err != nil {
		return err
	}

	cursor := ""
	total := 0
	for {
		profiles, next, err := p.source.ListProfiles(ctx, cursor, p.batchSize)
		if err != nil {
			return err
		}
		for _, profile := range profiles {
			if err := p.publishSnapshot(ctx, profile); err != nil {
				return err
			}
			total++
		}
		if next == "" || len(profiles) == 0 {
			break
		}
		cursor = next
	}

	p.logger.Info("user cache prewarm complete", zap.Int("profiles", total))
	return nil
}

func (p *Prewarmer) publishSnapshot(ctx context.Context, profile *chatmodel.UserProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	_, err = p.mgr.Publish(ctx, streaming.StreamEventsUsers, map[string]interface{}{
		"event":  chatmodel.EventUserProfileSynced,
		"userId": profile.Matricule,
		"data":   string(data),
	})
	return err
}
