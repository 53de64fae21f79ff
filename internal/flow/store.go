package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no flow matches the lookup.
var ErrNotFound = errors.New("flow not found")

// ErrInvalidDefinition is returned when a flow's node graph fails validation.
var ErrInvalidDefinition = errors.New("invalid flow definition")

// Store reads and writes flow definitions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a flow store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const flowColumns = `id, tenant_id, name, trigger_keywords, entry_node_id, nodes, active, created_at, updated_at`

func scanFlow(row pgx.Row) (*Definition, error) {
	var (
		def      Definition
		nodesRaw []byte
	)
	err := row.Scan(&def.ID, &def.TenantID, &def.Name, &def.TriggerKeywords,
		&def.EntryNodeID, &nodesRaw, &def.Active, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan flow: %w", err)
	}
	if err := json.Unmarshal(nodesRaw, &def.Nodes); err != nil {
		return nil, fmt.Errorf("decode flow nodes: %w", err)
	}
	return &def, nil
}

// CreateParams carries the fields for a new flow definition.
type CreateParams struct {
	TenantID        uuid.UUID
	Name            string
	TriggerKeywords []string
	EntryNodeID     string
	Nodes           []Node
}

func validateNodes(nodes []Node) error {
	seen := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		if node.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidDefinition)
		}
		if _, dup := seen[node.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, node.ID)
		}
		seen[node.ID] = struct{}{}
	}
	// Dangling successor references are allowed; the engine treats them as
	// end of flow.
	return nil
}

// Create inserts a new, inactive flow definition.
func (s *Store) Create(ctx context.Context, params CreateParams) (*Definition, error) {
	if err := validateNodes(params.Nodes); err != nil {
		return nil, fmt.Errorf("create flow: %w", err)
	}
	nodesRaw, err := json.Marshal(params.Nodes)
	if err != nil {
		return nil, fmt.Errorf("encode flow nodes: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO flows (tenant_id, name, trigger_keywords, entry_node_id, nodes, active)
		 VALUES ($1, $2, $3, $4, $5, false)
		 RETURNING `+flowColumns,
		params.TenantID, strings.TrimSpace(params.Name), params.TriggerKeywords,
		params.EntryNodeID, nodesRaw)
	return scanFlow(row)
}

// GetByID fetches one flow. A zero tenant id skips the tenant check; the
// scheduler resolves flows by bare id from conversation state.
func (s *Store) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+flowColumns+` FROM flows
		 WHERE id = $1 AND ($2 = '00000000-0000-0000-0000-000000000000'::uuid OR tenant_id = $2)`,
		id, tenantID)
	return scanFlow(row)
}

// ListByTenant returns a tenant's flows, newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]Definition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []Definition
	for rows.Next() {
		def, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *def)
	}
	return flows, rows.Err()
}

// ListActive returns a tenant's active flows for trigger matching.
func (s *Store) ListActive(ctx context.Context, tenantID uuid.UUID) ([]Definition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE tenant_id = $1 AND active ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	defer rows.Close()

	var flows []Definition
	for rows.Next() {
		def, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *def)
	}
	return flows, rows.Err()
}

// SetActive flips flow activation.
func (s *Store) SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flows SET active = $3, updated_at = now() WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, active)
	if err != nil {
		return fmt.Errorf("set flow active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MatchTrigger picks the first active flow whose trigger keyword appears in
// the message. Keywords match case-insensitively as substrings after a
// leading '#' is stripped, so "#support" triggers on "#support please".
func MatchTrigger(flows []Definition, messageText string) *Definition {
	haystack := strings.ToLower(messageText)
	if strings.TrimSpace(haystack) == "" {
		return nil
	}
	for i := range flows {
		for _, keyword := range flows[i].TriggerKeywords {
			needle := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(keyword), "#")))
			if needle == "" {
				continue
			}
			if strings.Contains(haystack, needle) {
				return &flows[i]
			}
		}
	}
	return nil
}
