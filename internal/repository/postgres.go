package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/circuitbreaker"
	"github.com/chatcore/messaging-core/internal/merrors"
)

// PostgresConfig mirrors the orchestrator's db.Config shape: host/port/user
// plus pool tunables with the same defaults.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Postgres is the reference Repository adapter. It is a reference
// implementation used for tests and local bootstrap, not the authoritative
// document store itself.
type Postgres struct {
	sqlxDB *sqlx.DB
	cbDB   *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

// NewPostgres opens a pooled Postgres connection and wraps writes with a
// circuit breaker, the same shape the orchestrator's db.Client uses.
func NewPostgres(cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	sqlxDB, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlxDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlxDB.SetMaxIdleConns(cfg.IdleConnections)
	sqlxDB.SetConnMaxLifetime(cfg.MaxLifetime)

	cbDB := circuitbreaker.NewDatabaseWrapper(sqlxDB.DB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cbDB.PingContext(ctx); err != nil {
		sqlxDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{sqlxDB: sqlxDB, cbDB: cbDB, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.cbDB.Close()
}

// IsCircuitOpen reports whether writes are currently being rejected.
func (p *Postgres) IsCircuitOpen() bool {
	return p.cbDB.IsCircuitBreakerOpen()
}

type messageRow struct {
	MessageID      string         `db:"message_id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	ReceiverID     sql.NullString `db:"receiver_id"`
	Content        string         `db:"content"`
	Type           string         `db:"type"`
	Status         string         `db:"status"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	EditedAt       sql.NullTime   `db:"edited_at"`
	DeletedAt      sql.NullTime   `db:"deleted_at"`
	ReplyTo        sql.NullString `db:"reply_to"`
	Metadata       []byte         `db:"metadata"`
}

func (r messageRow) toModel() *chatmodel.Message {
	m := &chatmodel.Message{
		MessageID:      r.MessageID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID.String,
		Content:        r.Content,
		Type:           chatmodel.MessageType(r.Type),
		Status:         chatmodel.MessageStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ReplyTo:        r.ReplyTo.String,
	}
	if r.EditedAt.Valid {
		m.EditedAt = &r.EditedAt.Time
	}
	if r.DeletedAt.Valid {
		m.DeletedAt = &r.DeletedAt.Time
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &m.Metadata)
	}
	return m
}

// FindByID looks up a single message by id.
func (p *Postgres) FindByID(ctx context.Context, messageID string) (*chatmodel.Message, error) {
	var row messageRow
	err := p.sqlxDB.GetContext(ctx, &row, `
		SELECT message_id, conversation_id, sender_id, receiver_id, content, type,
		       status, created_at, updated_at, edited_at, deleted_at, reply_to, metadata
		FROM messages WHERE message_id = $1`, messageID)
	if err == sql.ErrNoRows {
		return nil, merrors.New(merrors.KindNotFound, "FindByID", merrors.ErrMessageNotFound)
	}
	if err != nil {
		return nil, merrors.New(merrors.KindTransientStore, "FindByID", err)
	}
	return row.toModel(), nil
}

// Save inserts a new message, going through the circuit-breaker-wrapped
// connection since this is the write path the ResilientPublisher guards.
func (p *Postgres) Save(ctx context.Context, msg *chatmodel.Message) error {
	metadata, _ := json.Marshal(msg.Metadata)
	_, err := p.cbDB.ExecContext(ctx, `
		INSERT INTO messages (message_id, conversation_id, sender_id, receiver_id,
		                       content, type, status, created_at, updated_at, reply_to, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		msg.MessageID, msg.ConversationID, msg.SenderID, nullIfEmpty(msg.ReceiverID),
		msg.Content, string(msg.Type), string(msg.Status), msg.CreatedAt, msg.UpdatedAt,
		nullIfEmpty(msg.ReplyTo), metadata)
	if err != nil {
		if err == circuitbreaker.ErrCircuitBreakerOpen {
			return merrors.New(merrors.KindTransientStore, "Save", err)
		}
		return merrors.New(merrors.KindTransientStore, "Save", err)
	}
	return nil
}

// Update persists a mutation (edit/status/delete) to an existing message.
func (p *Postgres) Update(ctx context.Context, msg *chatmodel.Message) error {
	metadata, _ := json.Marshal(msg.Metadata)
	_, err := p.cbDB.ExecContext(ctx, `
		UPDATE messages SET content=$2, status=$3, updated_at=$4, edited_at=$5,
		       deleted_at=$6, metadata=$7
		WHERE message_id=$1`,
		msg.MessageID, msg.Content, string(msg.Status), msg.UpdatedAt,
		nullTime(msg.EditedAt), nullTime(msg.DeletedAt), metadata)
	if err != nil {
		return merrors.New(merrors.KindTransientStore, "Update", err)
	}
	return nil
}

// FindByConversation returns a cursor-paginated page of a conversation's
// messages in the requested direction.
func (p *Postgres) FindByConversation(ctx context.Context, conversationID, cursor string, limit int, dir Direction) ([]*chatmodel.Message, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	op := "<"
	order := "DESC"
	if dir == DirectionForward {
		op = ">"
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT message_id, conversation_id, sender_id, receiver_id, content, type,
		       status, created_at, updated_at, edited_at, deleted_at, reply_to, metadata
		FROM messages
		WHERE conversation_id = $1 AND ($2 = '' OR message_id %s $2)
		ORDER BY created_at %s
		LIMIT $3`, op, order)

	var rows []messageRow
	if err := p.sqlxDB.SelectContext(ctx, &rows, query, conversationID, cursor, limit); err != nil {
		return nil, "", merrors.New(merrors.KindTransientStore, "FindByConversation", err)
	}

	msgs := make([]*chatmodel.Message, 0, len(rows))
	var next string
	for _, r := range rows {
		msgs = append(msgs, r.toModel())
		next = r.MessageID
	}
	return msgs, next, nil
}

// FindByContentHash supports idempotent dispatch: a producer can check
// whether a message with a given client-derived content hash already exists
// in the conversation before writing a duplicate.
func (p *Postgres) FindByContentHash(ctx context.Context, conversationID, hash string) (*chatmodel.Message, error) {
	var row messageRow
	err := p.sqlxDB.GetContext(ctx, &row, `
		SELECT message_id, conversation_id, sender_id, receiver_id, content, type,
		       status, created_at, updated_at, edited_at, deleted_at, reply_to, metadata
		FROM messages WHERE conversation_id = $1 AND content_hash = $2`, conversationID, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, merrors.New(merrors.KindTransientStore, "FindByContentHash", err)
	}
	return row.toModel(), nil
}

// CountUnread returns the unread count for userID in conversationID.
func (p *Postgres) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := p.sqlxDB.GetContext(ctx, &n, `
		SELECT unread_count FROM conversation_participants
		WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, merrors.New(merrors.KindTransientStore, "CountUnread", err)
	}
	return n, nil
}

// IncrementUnread atomically adjusts a participant's unread counter.
func (p *Postgres) IncrementUnread(ctx context.Context, conversationID, userID string, delta int) error {
	_, err := p.cbDB.ExecContext(ctx, `
		UPDATE conversation_participants SET unread_count = GREATEST(0, unread_count + $3)
		WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID, delta)
	if err != nil {
		return merrors.New(merrors.KindTransientStore, "IncrementUnread", err)
	}
	return nil
}

// SetLastMessage updates the denormalised lastMessage pointer on a conversation.
func (p *Postgres) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := p.cbDB.ExecContext(ctx, `
		UPDATE conversations SET last_message_id=$2, updated_at=now() WHERE conversation_id=$1`,
		conversationID, messageID)
	if err != nil {
		return merrors.New(merrors.KindTransientStore, "SetLastMessage", err)
	}
	return nil
}

type conversationRow struct {
	ConversationID string    `db:"conversation_id"`
	Type           string    `db:"type"`
	CreatedBy      string    `db:"created_by"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	LastMessageID  sql.NullString `db:"last_message_id"`
}

// FindConversation loads a conversation and its participant list.
func (p *Postgres) FindConversation(ctx context.Context, conversationID string) (*chatmodel.Conversation, error) {
	var row conversationRow
	err := p.sqlxDB.GetContext(ctx, &row, `
		SELECT conversation_id, type, created_by, created_at, updated_at, last_message_id
		FROM conversations WHERE conversation_id=$1`, conversationID)
	if err == sql.ErrNoRows {
		return nil, merrors.New(merrors.KindNotFound, "FindConversation", merrors.ErrConversationNotFound)
	}
	if err != nil {
		return nil, merrors.New(merrors.KindTransientStore, "FindConversation", err)
	}

	var participants []string
	if err := p.sqlxDB.SelectContext(ctx, &participants, `
		SELECT user_id FROM conversation_participants WHERE conversation_id=$1 ORDER BY user_id`, conversationID); err != nil {
		return nil, merrors.New(merrors.KindTransientStore, "FindConversation", err)
	}

	return &chatmodel.Conversation{
		ConversationID: row.ConversationID,
		Type:           chatmodel.ConversationType(row.Type),
		CreatedBy:      row.CreatedBy,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		LastMessageID:  row.LastMessageID.String,
		Participants:   participants,
	}, nil
}

// SaveConversation upserts a conversation row plus its participant rows.
func (p *Postgres) SaveConversation(ctx context.Context, conv *chatmodel.Conversation) error {
	_, err := p.cbDB.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, type, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (conversation_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		conv.ConversationID, string(conv.Type), conv.CreatedBy, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return merrors.New(merrors.KindTransientStore, "SaveConversation", err)
	}
	for _, userID := range conv.Participants {
		if _, err := p.cbDB.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, unread_count)
			VALUES ($1,$2,0) ON CONFLICT DO NOTHING`, conv.ConversationID, userID); err != nil {
			return merrors.New(merrors.KindTransientStore, "SaveConversation", err)
		}
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
