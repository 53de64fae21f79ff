package conversation

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

// ErrNotFound is returned when no conversation matches the lookup.
var ErrNotFound = errors.New("conversation not found")

// Store reads and writes conversations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a conversation store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const conversationColumns = `id, tenant_id, customer_id, channel_account_id, assigned_agent_id,
	status, request_human, flow_state, last_message_at, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		conv     Conversation
		stateRaw []byte
	)
	err := row.Scan(&conv.ID, &conv.TenantID, &conv.CustomerID, &conv.ChannelAccountID,
		&conv.AssignedAgentID, &conv.Status, &conv.RequestHuman, &stateRaw,
		&conv.LastMessageAt, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if err := json.Unmarshal(stateRaw, &conv.FlowState); err != nil {
		return nil, fmt.Errorf("decode flow state: %w", err)
	}
	return &conv, nil
}

// FindOrCreate returns the single conversation for a customer on a channel
// account, creating it on first contact. The unique constraint on
// (customer_id, channel_account_id) makes concurrent creates converge on one
// row.
func (s *Store) FindOrCreate(ctx context.Context, tenantID, customerID, channelAccountID uuid.UUID) (*Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (tenant_id, customer_id, channel_account_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (customer_id, channel_account_id)
		 DO UPDATE SET updated_at = now()
		 RETURNING `+conversationColumns,
		tenantID, customerID, channelAccountID)
	return scanConversation(row)
}

// GetByID fetches one conversation scoped to its tenant.
func (s *Store) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanConversation(row)
}

// ListByTenant returns conversations for a tenant, most recently active
// first. An empty status lists all.
func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID, status Status, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY last_message_at DESC NULLS LAST
		 LIMIT $3`,
		tenantID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, rows.Err()
}

// Assign sets the owning agent. A nil agent id unassigns.
func (s *Store) Assign(ctx context.Context, id uuid.UUID, agentID *uuid.UUID) error {
	status := StatusInProgress
	if agentID == nil {
		status = StatusOpen
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET assigned_agent_id = $2, status = $3, updated_at = now() WHERE id = $1`,
		id, agentID, status)
	if err != nil {
		return fmt.Errorf("assign conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus transitions the conversation lifecycle state.
func (s *Store) SetStatus(ctx context.Context, tenantID, id uuid.UUID, status Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $3, updated_at = now() WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, status)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRequestHuman flags the conversation for human takeover.
func (s *Store) SetRequestHuman(ctx context.Context, id uuid.UUID, requested bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET request_human = $2, updated_at = now() WHERE id = $1`,
		id, requested)
	if err != nil {
		return fmt.Errorf("set request human: %w", err)
	}
	return nil
}

// TouchLastMessage bumps the activity timestamp.
func (s *Store) TouchLastMessage(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET last_message_at = $2, updated_at = now() WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("touch last message: %w", err)
	}
	return nil
}

// SaveFlowState persists the flow state and mirrors its resume time into the
// flow_resume_at column the scheduler queries on.
func (s *Store) SaveFlowState(ctx context.Context, id uuid.UUID, state FlowState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("save flow state: %w", err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode flow state: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET flow_state = $2, flow_resume_at = $3, updated_at = now() WHERE id = $1`,
		id, raw, state.ResumeAt)
	if err != nil {
		return fmt.Errorf("save flow state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueResume returns conversations whose delay timers have expired.
// Candidates still need a successful ClaimDelayResume before the engine may
// run; this listing alone grants nothing.
func (s *Store) ListDueResume(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE flow_resume_at IS NOT NULL AND flow_resume_at <= now()
		 ORDER BY flow_resume_at
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list due conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, rows.Err()
}

// ClaimDelayResume atomically claims a timer-paused conversation for engine
// execution. The conditional UPDATE is the concurrency barrier: with several
// scheduler instances racing, exactly one sees an affected row and the rest
// get (nil, nil).
func (s *Store) ClaimDelayResume(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE conversations
		 SET flow_state = (flow_state - 'resume_at') || '{"phase":"running"}'::jsonb,
		     flow_resume_at = NULL,
		     updated_at = now()
		 WHERE id = $1
		   AND flow_resume_at IS NOT NULL AND flow_resume_at <= now()
		   AND flow_state->>'phase' = 'paused_delay'
		 RETURNING `+conversationColumns,
		id)
	conv, err := scanConversation(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return conv, err
}

// ClaimInputResume atomically claims an input-paused conversation when the
// customer's next message arrives. Same barrier as ClaimDelayResume; (nil,
// nil) means another worker got there first or the pause was already cleared.
func (s *Store) ClaimInputResume(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE conversations
		 SET flow_state = flow_state || '{"phase":"running"}'::jsonb,
		     updated_at = now()
		 WHERE id = $1 AND flow_state->>'phase' = 'paused_input'
		 RETURNING `+conversationColumns,
		id)
	conv, err := scanConversation(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return conv, err
}
