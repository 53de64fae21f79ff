// Package message persists the append-only message log. Rows are never
// mutated after creation except to record the outcome of an outbound send.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SenderType identifies who produced a message.
type SenderType string

// Sender type constants.
const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderBot      SenderType = "bot"
)

// ErrDuplicate is returned when a provider message id was already persisted
// for the conversation. Webhook retries land here.
var ErrDuplicate = errors.New("duplicate provider message id")

// ErrNotFound is returned when no message matches the lookup.
var ErrNotFound = errors.New("message not found")

// Message is one inbound or outbound message.
type Message struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	ConversationID    uuid.UUID
	SenderType        SenderType
	Content           string
	ContentType       string
	ImageURL          string
	ImageRef          string
	ProviderMessageID string
	ErrorCode         string
	RawPayload        json.RawMessage
	CreatedAt         time.Time
}

// AppendParams carries the fields for a new message row.
type AppendParams struct {
	TenantID          uuid.UUID
	ConversationID    uuid.UUID
	SenderType        SenderType
	Content           string
	ContentType       string
	ImageURL          string
	ImageRef          string
	ProviderMessageID string
	RawPayload        json.RawMessage
}

// Store reads and appends messages.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a message store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const messageColumns = `id, tenant_id, conversation_id, sender_type, content, content_type,
	image_url, image_ref, provider_message_id, error_code, raw_payload, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		msg        Message
		imageURL   *string
		imageRef   *string
		providerID *string
		errorCode  *string
	)
	err := row.Scan(&msg.ID, &msg.TenantID, &msg.ConversationID, &msg.SenderType,
		&msg.Content, &msg.ContentType, &imageURL, &imageRef, &providerID,
		&errorCode, &msg.RawPayload, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.ImageURL = deref(imageURL)
	msg.ImageRef = deref(imageRef)
	msg.ProviderMessageID = deref(providerID)
	msg.ErrorCode = deref(errorCode)
	return &msg, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Append inserts one message. A provider message id already present on the
// conversation yields ErrDuplicate without inserting; the unique constraint
// makes the dedup hold across concurrent webhook deliveries.
func (s *Store) Append(ctx context.Context, params AppendParams) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (tenant_id, conversation_id, sender_type, content, content_type,
		                       image_url, image_ref, provider_message_id, raw_payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (conversation_id, provider_message_id) DO NOTHING
		 RETURNING `+messageColumns,
		params.TenantID, params.ConversationID, params.SenderType, params.Content,
		params.ContentType, nullable(params.ImageURL), nullable(params.ImageRef),
		nullable(params.ProviderMessageID), params.RawPayload)
	msg, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrDuplicate
	}
	return msg, err
}

// ListRecent returns the newest messages of a conversation, oldest first, for
// building AI context windows.
func (s *Store) ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		   SELECT `+messageColumns+` FROM messages
		   WHERE conversation_id = $1
		   ORDER BY created_at DESC
		   LIMIT $2
		 ) recent ORDER BY created_at`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// ListByConversation pages through a conversation's history, newest first.
func (s *Store) ListByConversation(ctx context.Context, tenantID, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND tenant_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		conversationID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// RecordSendResult stores the provider id of a delivered outbound message,
// or the taxonomy code of a failed send. Failed sends are not retried here.
func (s *Store) RecordSendResult(ctx context.Context, id uuid.UUID, providerMessageID, errorCode string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET provider_message_id = COALESCE($2, provider_message_id), error_code = $3
		 WHERE id = $1`,
		id, nullable(providerMessageID), nullable(errorCode))
	if err != nil {
		return fmt.Errorf("record send result: %w", err)
	}
	return nil
}
