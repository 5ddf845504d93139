// Package store provides database access for the control plane.
//
// # Design
//
// The store uses raw SQL with pgx. The two concurrency-critical invariants
// of the pipeline - unique (endpoint, timestamp) per inspection and unique
// (inspection, agent) per task - are enforced by database constraints, not
// application-level checks, so concurrent generator runs and duplicate agent
// submissions stay race-safe.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// AGENTS
// =============================================================================

// UpsertAgentByIP registers the agent at the given source address, or updates
// it if one is already registered there. Registration is keyed by IP: an
// agent re-registering from the same address replaces its own record.
func (s *Store) UpsertAgentByIP(ctx context.Context, agent *types.Agent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// A re-registration may rename the agent at this address. The group
	// rows reference agents(name) without ON UPDATE CASCADE, so the old
	// name's rows must go before the rename or the FK blocks it.
	var oldName string
	err = tx.QueryRow(ctx, `
		SELECT name FROM agents WHERE ip = $1::inet FOR UPDATE
	`, agent.IP).Scan(&oldName)
	if err != nil && err != pgx.ErrNoRows {
		return err
	}
	if oldName != "" && oldName != agent.Name {
		if _, err := tx.Exec(ctx, `
			DELETE FROM agent_groups WHERE agent_name = $1
		`, oldName); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO agents (name, ip, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (ip) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			updated_at = NOW()
	`, agent.Name, agent.IP, agent.Status)
	if err != nil {
		return err
	}

	// Group membership is declared wholesale on every registration.
	if _, err := tx.Exec(ctx, `
		DELETE FROM agent_groups WHERE agent_name = $1
	`, agent.Name); err != nil {
		return err
	}
	for _, g := range agent.Groups {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agent_groups (agent_name, group_name) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, agent.Name, g); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetAgent retrieves an agent by name.
func (s *Store) GetAgent(ctx context.Context, name string) (*types.Agent, error) {
	var agent types.Agent
	err := s.pool.QueryRow(ctx, `
		SELECT a.name, a.ip::text, a.status, a.last_activity, a.created_at, a.updated_at,
			COALESCE(array_agg(g.group_name ORDER BY g.group_name)
				FILTER (WHERE g.group_name IS NOT NULL), '{}')
		FROM agents a
		LEFT JOIN agent_groups g ON g.agent_name = a.name
		WHERE a.name = $1
		GROUP BY a.name
	`, name).Scan(
		&agent.Name, &agent.IP, &agent.Status, &agent.LastActivity,
		&agent.CreatedAt, &agent.UpdatedAt, &agent.Groups,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgentByIP resolves the agent registered at a network source address.
// Returns nil when no agent is registered there.
func (s *Store) GetAgentByIP(ctx context.Context, ip string) (*types.Agent, error) {
	var agent types.Agent
	err := s.pool.QueryRow(ctx, `
		SELECT a.name, a.ip::text, a.status, a.last_activity, a.created_at, a.updated_at,
			COALESCE(array_agg(g.group_name ORDER BY g.group_name)
				FILTER (WHERE g.group_name IS NOT NULL), '{}')
		FROM agents a
		LEFT JOIN agent_groups g ON g.agent_name = a.name
		WHERE a.ip = $1::inet
		GROUP BY a.name
	`, ip).Scan(
		&agent.Name, &agent.IP, &agent.Status, &agent.LastActivity,
		&agent.CreatedAt, &agent.UpdatedAt, &agent.Groups,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns all agents with their group memberships.
func (s *Store) ListAgents(ctx context.Context) ([]types.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.name, a.ip::text, a.status, a.last_activity, a.created_at, a.updated_at,
			COALESCE(array_agg(g.group_name ORDER BY g.group_name)
				FILTER (WHERE g.group_name IS NOT NULL), '{}')
		FROM agents a
		LEFT JOIN agent_groups g ON g.agent_name = a.name
		GROUP BY a.name
		ORDER BY a.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []types.Agent
	for rows.Next() {
		var agent types.Agent
		if err := rows.Scan(
			&agent.Name, &agent.IP, &agent.Status, &agent.LastActivity,
			&agent.CreatedAt, &agent.UpdatedAt, &agent.Groups,
		); err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ResolveEligibleAgents returns the distinct set of ACTIVE agents belonging
// to at least one of the given groups. An agent in several selected groups
// appears once.
func (s *Store) ResolveEligibleAgents(ctx context.Context, groups []string) ([]types.Agent, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT a.name, a.ip::text
		FROM agents a
		JOIN agent_groups g ON g.agent_name = a.name
		WHERE a.status = 'ACTIVE' AND g.group_name = ANY($1)
		ORDER BY a.name
	`, groups)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []types.Agent
	for rows.Next() {
		var agent types.Agent
		if err := rows.Scan(&agent.Name, &agent.IP); err != nil {
			return nil, err
		}
		agent.Status = types.AgentStatusActive
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentActivity stamps the agent's last accepted submission time.
func (s *Store) UpdateAgentActivity(ctx context.Context, name string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET last_activity = $2, updated_at = NOW() WHERE name = $1
	`, name, at)
	return err
}

// SetAgentTokenHash stores a bcrypt-hashed access token for an agent.
func (s *Store) SetAgentTokenHash(ctx context.Context, name, tokenHash string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE agents SET token_hash = $2, updated_at = NOW() WHERE name = $1
	`, name, tokenHash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("agent not found: %s", name)
	}
	return nil
}

// GetAgentTokenHash retrieves the hashed access token for the agent at the
// given address. Returns empty string if no token is set.
func (s *Store) GetAgentTokenHash(ctx context.Context, ip string) (string, error) {
	var hash *string
	err := s.pool.QueryRow(ctx, `
		SELECT token_hash FROM agents WHERE ip = $1::inet
	`, ip).Scan(&hash)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if hash == nil {
		return "", nil
	}
	return *hash, nil
}

// =============================================================================
// ENDPOINTS
// =============================================================================

// CreateEndpoint inserts an endpoint with its HTTP detail and monitoring
// policy in one transaction.
func (s *Store) CreateEndpoint(ctx context.Context, ep *types.Endpoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO endpoints (id, name, description, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, ep.ID, ep.Name, ep.Description, ep.Active)
	if err != nil {
		return err
	}

	if ep.HTTPDetail != nil {
		d := ep.HTTPDetail
		if _, err := tx.Exec(ctx, `
			INSERT INTO endpoint_http_details (endpoint_id, hostname, path, port, method, tls)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, ep.ID, d.Hostname, d.Path, d.Port, d.Method, d.TLS); err != nil {
			return err
		}
	}

	if ep.Policy != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO monitoring_policies (endpoint_id, interval_seconds, groups)
			VALUES ($1, $2, $3)
		`, ep.ID, ep.Policy.IntervalSeconds, ep.Policy.Groups); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// UpdateEndpoint updates an endpoint and replaces its detail and policy.
func (s *Store) UpdateEndpoint(ctx context.Context, ep *types.Endpoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE endpoints SET name = $2, description = $3, active = $4, updated_at = NOW()
		WHERE id = $1
	`, ep.ID, ep.Name, ep.Description, ep.Active)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("endpoint not found: %s", ep.ID)
	}

	if ep.HTTPDetail != nil {
		d := ep.HTTPDetail
		if _, err := tx.Exec(ctx, `
			INSERT INTO endpoint_http_details (endpoint_id, hostname, path, port, method, tls)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (endpoint_id) DO UPDATE SET
				hostname = EXCLUDED.hostname,
				path = EXCLUDED.path,
				port = EXCLUDED.port,
				method = EXCLUDED.method,
				tls = EXCLUDED.tls
		`, ep.ID, d.Hostname, d.Path, d.Port, d.Method, d.TLS); err != nil {
			return err
		}
	}

	if ep.Policy != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO monitoring_policies (endpoint_id, interval_seconds, groups)
			VALUES ($1, $2, $3)
			ON CONFLICT (endpoint_id) DO UPDATE SET
				interval_seconds = EXCLUDED.interval_seconds,
				groups = EXCLUDED.groups
		`, ep.ID, ep.Policy.IntervalSeconds, ep.Policy.Groups); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// DeactivateEndpoint removes an endpoint from generation without deleting its
// inspection history.
func (s *Store) DeactivateEndpoint(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE endpoints SET active = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// GetEndpoint retrieves an endpoint with its detail and policy.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error) {
	var ep types.Endpoint
	var d types.HTTPDetail
	var hostname *string
	var path, method *string
	var port *int
	var tls *bool
	var interval *int
	var groups []string
	err := s.pool.QueryRow(ctx, `
		SELECT e.id, e.name, e.description, e.active, e.created_at, e.updated_at,
			d.hostname, d.path, d.port, d.method, d.tls,
			p.interval_seconds, p.groups
		FROM endpoints e
		LEFT JOIN endpoint_http_details d ON d.endpoint_id = e.id
		LEFT JOIN monitoring_policies p ON p.endpoint_id = e.id
		WHERE e.id = $1
	`, id).Scan(
		&ep.ID, &ep.Name, &ep.Description, &ep.Active, &ep.CreatedAt, &ep.UpdatedAt,
		&hostname, &path, &port, &method, &tls,
		&interval, &groups,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if hostname != nil {
		d.Hostname, d.Path, d.Port, d.Method, d.TLS = *hostname, *path, *port, *method, *tls
		ep.HTTPDetail = &d
	}
	if interval != nil {
		ep.Policy = &types.MonitoringPolicy{IntervalSeconds: *interval, Groups: groups}
	}
	return &ep, nil
}

// ListEndpoints returns all endpoints with details and policies.
func (s *Store) ListEndpoints(ctx context.Context) ([]types.Endpoint, error) {
	return s.listEndpoints(ctx, `ORDER BY e.created_at DESC`)
}

// ListActiveEndpoints returns endpoints eligible for schedule generation:
// active, with a monitoring policy attached.
func (s *Store) ListActiveEndpoints(ctx context.Context) ([]types.Endpoint, error) {
	return s.listEndpoints(ctx, `WHERE e.active AND p.endpoint_id IS NOT NULL ORDER BY e.created_at`)
}

func (s *Store) listEndpoints(ctx context.Context, tail string) ([]types.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.name, e.description, e.active, e.created_at, e.updated_at,
			d.hostname, d.path, d.port, d.method, d.tls,
			p.interval_seconds, p.groups
		FROM endpoints e
		LEFT JOIN endpoint_http_details d ON d.endpoint_id = e.id
		LEFT JOIN monitoring_policies p ON p.endpoint_id = e.id
		`+tail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []types.Endpoint
	for rows.Next() {
		var ep types.Endpoint
		var hostname, path, method *string
		var port *int
		var tls *bool
		var interval *int
		var groups []string
		if err := rows.Scan(
			&ep.ID, &ep.Name, &ep.Description, &ep.Active, &ep.CreatedAt, &ep.UpdatedAt,
			&hostname, &path, &port, &method, &tls,
			&interval, &groups,
		); err != nil {
			return nil, err
		}
		if hostname != nil {
			ep.HTTPDetail = &types.HTTPDetail{
				Hostname: *hostname, Path: *path, Port: *port, Method: *method, TLS: *tls,
			}
		}
		if interval != nil {
			ep.Policy = &types.MonitoringPolicy{IntervalSeconds: *interval, Groups: groups}
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}
