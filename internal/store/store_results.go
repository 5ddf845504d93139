package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// =============================================================================
// RESULTS
// =============================================================================

// InsertResult persists a submitted result. Returns false when a result for
// the same (inspection, agent address) already exists; the duplicate is
// dropped without touching the stored row.
func (s *Store) InsertResult(ctx context.Context, r *types.InspectionResult) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	var taskID *string
	if r.TaskID != "" {
		taskID = &r.TaskID
	}
	result, err := s.pool.Exec(ctx, `
		INSERT INTO inspection_results (
			id, inspection_id, task_id, agent_name, agent_ip, kind,
			connection_status, status_code, response_time, byte_received, submitted_at
		) VALUES ($1, $2, $3, $4, $5::inet, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (inspection_id, agent_ip) DO NOTHING
	`,
		r.ID, r.InspectionID, taskID, r.AgentName, r.AgentIP, r.Kind,
		r.ConnectionStatus, r.StatusCode, r.ResponseTime, r.ByteReceived, r.SubmittedAt,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// TransitionTask moves a task out of PENDING into the given terminal state,
// stamping finished_at and took (whole seconds since started_at).
//
// The WHERE status = 'PENDING' guard makes the transition first-writer-wins:
// a second result racing on the same task affects zero rows and is reported
// as not transitioned, leaving the first writer's took and status untouched.
func (s *Store) TransitionTask(ctx context.Context, taskID string, status types.TaskStatus, errMsg string, finishedAt time.Time) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE inspection_tasks
		SET status = $2,
			error = $3,
			finished_at = $4,
			took = GREATEST(0, ROUND(EXTRACT(EPOCH FROM ($4 - started_at))))::bigint
		WHERE id = $1 AND status = 'PENDING'
	`, taskID, status, errMsg, finishedAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// FinishInspectionIfComplete transitions an inspection to FINISHED when every
// one of its tasks is terminal (vacuously true for zero tasks), stamping
// finished_at and took (whole seconds since creation).
//
// The conditional UPDATE is atomic and idempotent: concurrent completion
// evaluations from different ingestion batches converge on a single
// transition, and repeated calls after FINISHED affect zero rows.
func (s *Store) FinishInspectionIfComplete(ctx context.Context, inspectionID string, finishedAt time.Time) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE inspections
		SET status = 'FINISHED',
			finished_at = $2,
			took = GREATEST(0, ROUND(EXTRACT(EPOCH FROM ($2 - created_at))))::bigint
		WHERE id = $1
			AND status = 'PENDING'
			AND NOT EXISTS (
				SELECT 1 FROM inspection_tasks t
				WHERE t.inspection_id = $1 AND t.status = 'PENDING'
			)
	`, inspectionID, finishedAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}
