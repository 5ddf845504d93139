// Package ingest accepts probe result batches submitted by agents, records
// them, transitions the matched tasks, and evaluates inspection completion.
//
// # Concurrency
//
// Batches from different agents are processed independently. Two submissions
// racing on the same task are serialized by the storage layer: the task's
// PENDING guard makes the first writer win and the (inspection, agent
// address) constraint drops the duplicate result. Completion evaluation is
// an atomic conditional update, so any number of concurrent batches touching
// the same inspection converge on a single PENDING -> FINISHED transition.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// ErrUnknownAgent is returned when a submission arrives from a source
// address with no registered agent. The whole batch is rejected.
var ErrUnknownAgent = errors.New("source address is not recognized")

// Store defines the storage interface for result ingestion.
type Store interface {
	// GetAgentByIP resolves the agent registered at a source address,
	// nil when unknown.
	GetAgentByIP(ctx context.Context, ip string) (*types.Agent, error)

	// UpdateAgentActivity stamps the agent's last accepted submission.
	UpdateAgentActivity(ctx context.Context, name string, at time.Time) error

	// GetTask retrieves a task by ID, nil when absent.
	GetTask(ctx context.Context, id string) (*types.InspectionTask, error)

	// FindTask resolves the task assigned to an agent for an inspection,
	// nil when the agent has none there.
	FindTask(ctx context.Context, inspectionID, agentName string) (*types.InspectionTask, error)

	// InsertResult persists a result; false when a result for the same
	// (inspection, agent address) already exists.
	InsertResult(ctx context.Context, r *types.InspectionResult) (bool, error)

	// TransitionTask moves a PENDING task to a terminal state; false when
	// the task already left PENDING.
	TransitionTask(ctx context.Context, taskID string, status types.TaskStatus, errMsg string, finishedAt time.Time) (bool, error)

	// FinishInspectionIfComplete finishes an inspection whose tasks are
	// all terminal; false when it is not complete or already finished.
	FinishInspectionIfComplete(ctx context.Context, inspectionID string, finishedAt time.Time) (bool, error)
}

// Ingestor processes submitted result batches.
type Ingestor struct {
	store  Store
	logger *slog.Logger

	now func() time.Time
}

// NewIngestor creates an ingestor.
func NewIngestor(store Store, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		logger: logger.With("component", "ingest"),
		now:    time.Now,
	}
}

// SetClock overrides the wall clock. Test hook.
func (i *Ingestor) SetClock(now func() time.Time) {
	i.now = now
}

// Authenticate resolves the submitting agent by its network source address.
// Returns ErrUnknownAgent when no agent is registered there.
func (i *Ingestor) Authenticate(ctx context.Context, sourceIP string) (*types.Agent, error) {
	agent, err := i.store.GetAgentByIP(ctx, sourceIP)
	if err != nil {
		return nil, fmt.Errorf("resolving agent by address: %w", err)
	}
	if agent == nil {
		return nil, ErrUnknownAgent
	}
	return agent, nil
}

// Batch is a set of result records submitted together by one agent.
// SubmittedAt is the single server receipt time shared by every record.
type Batch struct {
	AgentName   string                   `json:"agent"`
	AgentIP     string                   `json:"agent_ip"`
	SubmittedAt time.Time                `json:"submitted_at"`
	Records     []types.ResultSubmission `json:"records"`
}

// Stats summarizes the processing of one batch.
type Stats struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Unmatched  int `json:"unmatched"`
	Malformed  int `json:"malformed"`
	Finished   int `json:"finished"`
}

// Warnings lists non-fatal per-record problems, reported to the caller only
// in strict mode.
type Warnings []string

// Process ingests one authenticated batch: persists each record as a result,
// transitions the matched task, and evaluates completion for every touched
// inspection.
//
// Processing is idempotent; the work queue may redeliver a batch and every
// write collapses against a constraint or a state guard on the second pass.
func (i *Ingestor) Process(ctx context.Context, batch Batch) (Stats, Warnings, error) {
	var stats Stats
	var warnings Warnings

	if err := i.store.UpdateAgentActivity(ctx, batch.AgentName, batch.SubmittedAt); err != nil {
		return stats, nil, fmt.Errorf("updating agent activity: %w", err)
	}

	touched := make(map[string]bool)

	for n, rec := range batch.Records {
		result, ok := CoerceSubmission(rec, batch.AgentName, batch.AgentIP, batch.SubmittedAt)
		if !ok {
			stats.Malformed++
			warnings = append(warnings, fmt.Sprintf("record %d: unusable connection_status or missing inspection reference, dropped", n))
			i.logger.Warn("dropping malformed record",
				"agent", batch.AgentName,
				"record", n,
				"connection_status", rec.ConnectionStatus,
			)
			continue
		}

		task, err := i.resolveTask(ctx, rec, batch.AgentName)
		if err != nil {
			return stats, warnings, err
		}
		if task != nil {
			result.InspectionID = task.InspectionID
			result.TaskID = task.ID
		}
		if result.InspectionID == "" {
			stats.Unmatched++
			warnings = append(warnings, fmt.Sprintf("record %d: no inspection or task reference, dropped", n))
			continue
		}

		inserted, err := i.store.InsertResult(ctx, result)
		if err != nil {
			return stats, warnings, fmt.Errorf("inserting result: %w", err)
		}
		if !inserted {
			stats.Duplicates++
			warnings = append(warnings, fmt.Sprintf("record %d: duplicate submission for inspection %s, discarded", n, result.InspectionID))
			i.logger.Info("duplicate result discarded",
				"agent", batch.AgentName,
				"inspection_id", result.InspectionID,
			)
			continue
		}
		stats.Accepted++

		if task == nil {
			stats.Unmatched++
			continue
		}

		status := types.TaskFailed
		if result.Succeeded() {
			status = types.TaskSucceed
		}
		transitioned, err := i.store.TransitionTask(ctx, task.ID, status, result.FailureReason(), batch.SubmittedAt)
		if err != nil {
			return stats, warnings, fmt.Errorf("transitioning task %s: %w", task.ID, err)
		}
		if !transitioned {
			warnings = append(warnings, fmt.Sprintf("record %d: task %s already terminal", n, task.ID))
			i.logger.Info("result for already-terminal task",
				"agent", batch.AgentName,
				"task_id", task.ID,
			)
			continue
		}
		touched[task.InspectionID] = true
	}

	for inspectionID := range touched {
		finished, err := i.store.FinishInspectionIfComplete(ctx, inspectionID, batch.SubmittedAt)
		if err != nil {
			return stats, warnings, fmt.Errorf("evaluating completion for %s: %w", inspectionID, err)
		}
		if finished {
			stats.Finished++
			i.logger.Info("inspection finished", "inspection_id", inspectionID)
		}
	}

	return stats, warnings, nil
}

// resolveTask finds the task a record refers to, preferring the explicit task
// reference over the (inspection, agent) pair. A nil return means the record
// has no matching outstanding task; the result is still recorded against the
// inspection when one is referenced.
func (i *Ingestor) resolveTask(ctx context.Context, rec types.ResultSubmission, agentName string) (*types.InspectionTask, error) {
	if rec.TaskID != "" {
		task, err := i.store.GetTask(ctx, rec.TaskID)
		if err != nil {
			return nil, fmt.Errorf("looking up task %s: %w", rec.TaskID, err)
		}
		return task, nil
	}
	if rec.InspectionID != "" {
		task, err := i.store.FindTask(ctx, rec.InspectionID, agentName)
		if err != nil {
			return nil, fmt.Errorf("looking up task for inspection %s: %w", rec.InspectionID, err)
		}
		return task, nil
	}
	return nil, nil
}

// Complete reports whether a set of tasks finishes its inspection: every
// task terminal, vacuously true for zero tasks. This is the completion
// predicate the storage layer's conditional update enforces atomically;
// exported for callers that evaluate in memory.
func Complete(tasks []types.InspectionTask) bool {
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}
