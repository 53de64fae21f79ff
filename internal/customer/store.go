// Package customer persists end users, keyed by the channel account they
// wrote to and their provider-scoped id.
package customer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no customer matches the lookup.
var ErrNotFound = errors.New("customer not found")

// Customer is one end user on one channel account.
type Customer struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	ChannelAccountID uuid.UUID
	ExternalID       string
	Name             string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store reads and writes customers.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a customer store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const customerColumns = `id, tenant_id, channel_account_id, external_id, name, created_at, updated_at`

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.TenantID, &c.ChannelAccountID, &c.ExternalID,
		&c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	return &c, nil
}

// FindOrCreate returns the customer for an external id, creating the record
// on first contact. The upsert keeps concurrent webhook deliveries from
// racing into duplicate rows.
func (s *Store) FindOrCreate(ctx context.Context, tenantID, channelAccountID uuid.UUID, externalID, name string) (*Customer, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO customers (tenant_id, channel_account_id, external_id, name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (channel_account_id, external_id)
		 DO UPDATE SET updated_at = now()
		 RETURNING `+customerColumns,
		tenantID, channelAccountID, strings.TrimSpace(externalID), strings.TrimSpace(name))
	return scanCustomer(row)
}

// GetByID fetches one customer scoped to its tenant.
func (s *Store) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Customer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanCustomer(row)
}

// SetNameIfEmpty records a display name fetched from the provider profile
// API. Names already present win; enrichment is best effort and never
// overwrites.
func (s *Store) SetNameIfEmpty(ctx context.Context, id uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE customers SET name = $2, updated_at = now()
		 WHERE id = $1 AND (name IS NULL OR name = '')`,
		id, name)
	if err != nil {
		return fmt.Errorf("set customer name: %w", err)
	}
	return nil
}
