package assign

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads auto-assignment rules and agent load.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an assign rule store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ListActive implements RuleSource, ordered by descending priority.
func (s *Store) ListActive(ctx context.Context, tenantID uuid.UUID) ([]Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, priority, rule_type, COALESCE(keyword, ''),
		        COALESCE(channel_type, ''), COALESCE(window_start, ''), COALESCE(window_end, ''),
		        COALESCE(timezone, 'UTC'), agent_id, active, created_at
		 FROM assign_rules
		 WHERE tenant_id = $1 AND active
		 ORDER BY priority DESC, created_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list assign rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		err := rows.Scan(&r.ID, &r.TenantID, &r.Priority, &r.Type, &r.Keyword,
			&r.ChannelType, &r.WindowStart, &r.WindowEnd, &r.Timezone,
			&r.AgentID, &r.Active, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan assign rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// FewestLoadedAgent implements RuleSource. Ties break on agent creation
// order so the distribution stays stable.
func (s *Store) FewestLoadedAgent(ctx context.Context, tenantID uuid.UUID) (*uuid.UUID, error) {
	var agentID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT a.id
		 FROM agents a
		 LEFT JOIN conversations c
		   ON c.assigned_agent_id = a.id AND c.status IN ('open', 'in_progress')
		 WHERE a.tenant_id = $1
		 GROUP BY a.id, a.created_at
		 ORDER BY COUNT(c.id), a.created_at
		 LIMIT 1`,
		tenantID).Scan(&agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pick least loaded agent: %w", err)
	}
	return &agentID, nil
}
