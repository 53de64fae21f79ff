// Package account persists channel account records, the tenant-owned
// credentials for one Page, Instagram account or WhatsApp phone number.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omnidesk/omnidesk/internal/channel"
)

// ErrNotFound is returned when no channel account matches the lookup.
var ErrNotFound = errors.New("channel account not found")

// ErrIdentityInUse is returned when activating an account whose
// (channel_type, external_id) identity is already active elsewhere.
var ErrIdentityInUse = errors.New("channel identity already active on another account")

// ChannelAccount is one connected messaging endpoint.
type ChannelAccount struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	ChannelType channel.ChannelType
	ExternalID  string
	AccessToken string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AdapterAccount converts the record into the adapter-facing view.
func (a ChannelAccount) AdapterAccount() channel.Account {
	return channel.Account{
		ID:          a.ID.String(),
		TenantID:    a.TenantID.String(),
		ChannelType: a.ChannelType,
		ExternalID:  a.ExternalID,
		AccessToken: a.AccessToken,
		DisplayName: a.DisplayName,
	}
}

// Store reads and writes channel accounts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a channel account store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `id, tenant_id, channel_type, external_id, access_token, display_name, active, created_at, updated_at`

func scanAccount(row pgx.Row) (*ChannelAccount, error) {
	var acc ChannelAccount
	err := row.Scan(&acc.ID, &acc.TenantID, &acc.ChannelType, &acc.ExternalID,
		&acc.AccessToken, &acc.DisplayName, &acc.Active, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel account: %w", err)
	}
	return &acc, nil
}

// FindActiveByIdentity resolves the single active account for a provider
// identity. Returns (nil, nil) when none exists so callers can drop the
// event silently.
func (s *Store) FindActiveByIdentity(ctx context.Context, channelType channel.ChannelType, externalID string) (*ChannelAccount, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts
		 WHERE channel_type = $1 AND external_id = $2 AND active`,
		channelType, strings.TrimSpace(externalID))
	acc, err := scanAccount(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return acc, err
}

// GetByID fetches one account scoped to its tenant.
func (s *Store) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*ChannelAccount, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanAccount(row)
}

// ListByTenant returns every account belonging to a tenant, newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]ChannelAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts
		 WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list channel accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ChannelAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

// CreateParams carries the fields for a new channel account. Accounts start
// inactive until Activate succeeds against the identity uniqueness check.
type CreateParams struct {
	TenantID    uuid.UUID
	ChannelType channel.ChannelType
	ExternalID  string
	AccessToken string
	DisplayName string
}

// Create inserts a new, inactive channel account.
func (s *Store) Create(ctx context.Context, params CreateParams) (*ChannelAccount, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO channel_accounts (tenant_id, channel_type, external_id, access_token, display_name, active)
		 VALUES ($1, $2, $3, $4, $5, false)
		 RETURNING `+accountColumns,
		params.TenantID, params.ChannelType, strings.TrimSpace(params.ExternalID),
		params.AccessToken, strings.TrimSpace(params.DisplayName))
	return scanAccount(row)
}

// UpdateCredentials replaces the token and display name of an account.
func (s *Store) UpdateCredentials(ctx context.Context, tenantID, id uuid.UUID, accessToken, displayName string) (*ChannelAccount, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE channel_accounts
		 SET access_token = $3, display_name = $4, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+accountColumns,
		id, tenantID, accessToken, strings.TrimSpace(displayName))
	return scanAccount(row)
}

// SetActive flips activation. Activation can fail with ErrIdentityInUse when
// another tenant already holds the same provider identity active; the partial
// unique index is the source of truth for that rule.
func (s *Store) SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) (*ChannelAccount, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE channel_accounts
		 SET active = $3, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+accountColumns,
		id, tenantID, active)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, mapActivationError(err)
	}
	return acc, nil
}

// mapActivationError converts a violation of the active-identity partial
// unique index into ErrIdentityInUse. Any other failure passes through.
func mapActivationError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrIdentityInUse
	}
	return err
}

// Delete removes an account and cascades to its conversations.
func (s *Store) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM channel_accounts WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete channel account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
