package plugins

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads stored plugin configurations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a plugin config store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const configColumns = `id, tenant_id, plugin_type, settings, active, created_at`

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]Config, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query plugin configs: %w", err)
	}
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		var cfg Config
		if err := rows.Scan(&cfg.ID, &cfg.TenantID, &cfg.Type, &cfg.Settings, &cfg.Active, &cfg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// ListActive returns a tenant's active plugins in creation order, the order
// the chain runs in.
func (s *Store) ListActive(ctx context.Context, tenantID uuid.UUID) ([]Config, error) {
	return s.query(ctx,
		`SELECT `+configColumns+` FROM plugin_configs
		 WHERE tenant_id = $1 AND active ORDER BY created_at`,
		tenantID)
}

// ListAll returns every stored config across tenants, for startup
// validation against the compiled registry.
func (s *Store) ListAll(ctx context.Context) ([]Config, error) {
	return s.query(ctx, `SELECT `+configColumns+` FROM plugin_configs ORDER BY created_at`)
}
