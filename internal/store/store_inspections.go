package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// =============================================================================
// INSPECTIONS
// =============================================================================

// LatestInspectionTime returns the most recently scheduled inspection
// timestamp for an endpoint, or nil when none exists yet.
func (s *Store) LatestInspectionTime(ctx context.Context, endpointID string) (*time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT timestamp FROM inspections
		WHERE endpoint_id = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`, endpointID).Scan(&ts)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// InsertInspections batch-inserts PENDING inspections for an endpoint at the
// given scheduled instants and returns the rows actually created.
//
// A timestamp that already exists for the endpoint is silently skipped
// (ON CONFLICT DO NOTHING): a concurrent generator run racing on the same
// instant is a no-op, not an error.
func (s *Store) InsertInspections(ctx context.Context, endpointID string, timestamps []time.Time) ([]types.Inspection, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}

	ids := make([]string, len(timestamps))
	for i := range timestamps {
		ids[i] = uuid.New().String()
	}

	rows, err := s.pool.Query(ctx, `
		INSERT INTO inspections (id, endpoint_id, timestamp, status, created_at)
		SELECT id, $2, ts, 'PENDING', NOW()
		FROM unnest($1::uuid[], $3::timestamptz[]) AS u(id, ts)
		ON CONFLICT (endpoint_id, timestamp) DO NOTHING
		RETURNING id, timestamp, created_at
	`, ids, endpointID, timestamps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inserted []types.Inspection
	for rows.Next() {
		insp := types.Inspection{
			EndpointID: endpointID,
			Status:     types.InspectionPending,
		}
		if err := rows.Scan(&insp.ID, &insp.Timestamp, &insp.CreatedAt); err != nil {
			return nil, err
		}
		inserted = append(inserted, insp)
	}
	return inserted, rows.Err()
}

// GetInspection retrieves a single inspection with its tasks, each carrying
// the assigned agent and the reported result if one exists.
func (s *Store) GetInspection(ctx context.Context, id string) (*types.Inspection, error) {
	var insp types.Inspection
	err := s.pool.QueryRow(ctx, `
		SELECT id, endpoint_id, timestamp, status, created_at, finished_at, took
		FROM inspections WHERE id = $1
	`, id).Scan(
		&insp.ID, &insp.EndpointID, &insp.Timestamp, &insp.Status,
		&insp.CreatedAt, &insp.FinishedAt, &insp.Took,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tasks, err := s.listTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	insp.Tasks = tasks
	return &insp, nil
}

func (s *Store) listTasks(ctx context.Context, inspectionID string) ([]types.InspectionTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.inspection_id, t.agent_name, t.status, t.error,
			t.started_at, t.finished_at, t.took,
			a.ip::text, a.status, a.last_activity,
			r.id, r.kind, r.connection_status, r.status_code, r.response_time,
			r.byte_received, r.agent_ip::text, r.submitted_at
		FROM inspection_tasks t
		JOIN agents a ON a.name = t.agent_name
		LEFT JOIN inspection_results r
			ON r.inspection_id = t.inspection_id AND r.agent_name = t.agent_name
		WHERE t.inspection_id = $1
		ORDER BY t.agent_name
	`, inspectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []types.InspectionTask
	for rows.Next() {
		var t types.InspectionTask
		var agent types.Agent
		var resultID *string
		var kind *string
		var connStatus *string
		var statusCode *int
		var responseTime *float64
		var byteReceived *int64
		var agentIP *string
		var submittedAt *time.Time
		if err := rows.Scan(
			&t.ID, &t.InspectionID, &t.AgentName, &t.Status, &t.Error,
			&t.StartedAt, &t.FinishedAt, &t.Took,
			&agent.IP, &agent.Status, &agent.LastActivity,
			&resultID, &kind, &connStatus, &statusCode, &responseTime,
			&byteReceived, &agentIP, &submittedAt,
		); err != nil {
			return nil, err
		}
		agent.Name = t.AgentName
		t.Agent = &agent
		if resultID != nil {
			t.Result = &types.InspectionResult{
				ID:               *resultID,
				InspectionID:     t.InspectionID,
				TaskID:           t.ID,
				AgentName:        t.AgentName,
				AgentIP:          *agentIP,
				Kind:             types.ResultKind(*kind),
				ConnectionStatus: types.ConnectionStatus(*connStatus),
				StatusCode:       statusCode,
				ResponseTime:     responseTime,
				ByteReceived:     byteReceived,
				SubmittedAt:      *submittedAt,
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// InspectionFilter bounds the inspection list query. Both bounds are
// exclusive.
type InspectionFilter struct {
	After  time.Time
	Before time.Time
	Groups []string
}

// ListInspections returns inspections inside the filter window, ordered by
// scheduled timestamp. When groups are given, only inspections whose
// endpoint policy includes at least one of them are returned; the policy is
// 1:1 with the endpoint so the group match cannot duplicate rows.
func (s *Store) ListInspections(ctx context.Context, filter InspectionFilter) ([]types.Inspection, error) {
	if filter.Groups == nil {
		// A nil slice encodes as SQL NULL and NULL cardinality filters
		// every row out.
		filter.Groups = []string{}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.endpoint_id, i.timestamp, i.status, i.created_at, i.finished_at, i.took
		FROM inspections i
		JOIN monitoring_policies p ON p.endpoint_id = i.endpoint_id
		WHERE i.timestamp > $1 AND i.timestamp < $2
			AND (cardinality($3::text[]) = 0 OR p.groups && $3::text[])
		ORDER BY i.timestamp
	`, filter.After, filter.Before, filter.Groups)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inspections []types.Inspection
	for rows.Next() {
		var insp types.Inspection
		if err := rows.Scan(
			&insp.ID, &insp.EndpointID, &insp.Timestamp, &insp.Status,
			&insp.CreatedAt, &insp.FinishedAt, &insp.Took,
		); err != nil {
			return nil, err
		}
		inspections = append(inspections, insp)
	}
	return inspections, rows.Err()
}

// =============================================================================
// TASKS
// =============================================================================

// CreateTasks fans an inspection out to the given agents, one PENDING task
// per agent. Agents that already have a task for this inspection are skipped
// (ON CONFLICT DO NOTHING), so re-running fan-out after a crash is safe.
// Returns the number of tasks actually created.
func (s *Store) CreateTasks(ctx context.Context, inspectionID string, agentNames []string) (int, error) {
	if len(agentNames) == 0 {
		return 0, nil
	}

	ids := make([]string, len(agentNames))
	for i := range agentNames {
		ids[i] = uuid.New().String()
	}

	result, err := s.pool.Exec(ctx, `
		INSERT INTO inspection_tasks (id, inspection_id, agent_name, status, started_at)
		SELECT id, $2, agent, 'PENDING', NOW()
		FROM unnest($1::uuid[], $3::text[]) AS u(id, agent)
		ON CONFLICT (inspection_id, agent_name) DO NOTHING
	`, ids, inspectionID, agentNames)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

// FindTask resolves the task assigned to an agent for an inspection.
// Returns nil when the agent has no task there.
func (s *Store) FindTask(ctx context.Context, inspectionID, agentName string) (*types.InspectionTask, error) {
	var t types.InspectionTask
	err := s.pool.QueryRow(ctx, `
		SELECT id, inspection_id, agent_name, status, error, started_at, finished_at, took
		FROM inspection_tasks
		WHERE inspection_id = $1 AND agent_name = $2
	`, inspectionID, agentName).Scan(
		&t.ID, &t.InspectionID, &t.AgentName, &t.Status, &t.Error,
		&t.StartedAt, &t.FinishedAt, &t.Took,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*types.InspectionTask, error) {
	var t types.InspectionTask
	err := s.pool.QueryRow(ctx, `
		SELECT id, inspection_id, agent_name, status, error, started_at, finished_at, took
		FROM inspection_tasks
		WHERE id = $1
	`, id).Scan(
		&t.ID, &t.InspectionID, &t.AgentName, &t.Status, &t.Error,
		&t.StartedAt, &t.FinishedAt, &t.Took,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
