// Package repository defines the contract the messaging core consumes for
// the authoritative document store (messages + conversations) and ships one
// reference adapter (Postgres via sqlx + lib/pq) satisfying it for tests and
// local bootstrap. The authoritative store's own implementation is out of
// scope; this package only needs to exercise the contract.
package repository

import (
	"context"

	"github.com/chatcore/messaging-core/internal/chatmodel"
)

// Direction selects which way a cursor-paginated read walks the conversation.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
)

// Repository is the contract the core consumes for message/conversation
// persistence. Every operation carries the timeouts described in the
// concurrency model (the adapter is expected to honor ctx's deadline).
type Repository interface {
	FindByID(ctx context.Context, messageID string) (*chatmodel.Message, error)
	Save(ctx context.Context, msg *chatmodel.Message) error
	Update(ctx context.Context, msg *chatmodel.Message) error
	FindByConversation(ctx context.Context, conversationID string, cursor string, limit int, dir Direction) ([]*chatmodel.Message, string, error)
	FindByContentHash(ctx context.Context, conversationID, hash string) (*chatmodel.Message, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
	IncrementUnread(ctx context.Context, conversationID, userID string, delta int) error
	SetLastMessage(ctx context.Context, conversationID, messageID string) error

	FindConversation(ctx context.Context, conversationID string) (*chatmodel.Conversation, error)
	SaveConversation(ctx context.Context, conv *chatmodel.Conversation) error
}
