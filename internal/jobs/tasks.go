// Package jobs defines the background tasks of the monitoring pipeline and
// their Asynq plumbing: result batches accepted over HTTP are enqueued and
// processed off the request path, and schedule generation runs as a periodic
// task so exactly one worker generates at a time.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/payeshgar/endpoint-mon/internal/ingest"
	"github.com/payeshgar/endpoint-mon/internal/schedule"
)

// Task types.
const (
	TypeProcessResults = "inspecting:process_results"
	TypeGenerate       = "scheduler:generate"
)

// Queue names.
const (
	QueueResults   = "results"
	QueueScheduler = "scheduler"
)

// NewProcessResultsTask creates a result processing task for one submitted
// batch. Delivery is at-least-once; the processor tolerates replays.
func NewProcessResultsTask(batch ingest.Batch) (*asynq.Task, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshaling result batch: %w", err)
	}
	return asynq.NewTask(
		TypeProcessResults,
		data,
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
		asynq.Queue(QueueResults),
	), nil
}

// NewGenerateTask creates a schedule generation task.
func NewGenerateTask() *asynq.Task {
	return asynq.NewTask(
		TypeGenerate,
		nil,
		asynq.MaxRetry(1),
		asynq.Timeout(2*time.Minute),
		asynq.Queue(QueueScheduler),
	)
}

// ResultProcessor processes an ingested batch. Implemented by ingest.Ingestor.
type ResultProcessor interface {
	Process(ctx context.Context, batch ingest.Batch) (ingest.Stats, ingest.Warnings, error)
}

// ScheduleRunner runs one generation pass. Implemented by schedule.Generator.
type ScheduleRunner interface {
	Run(ctx context.Context) (schedule.Stats, error)
}

// TaskHandler processes the pipeline's background tasks.
type TaskHandler struct {
	processor ResultProcessor
	runner    ScheduleRunner
	logger    *slog.Logger
}

// NewTaskHandler creates a task handler.
func NewTaskHandler(processor ResultProcessor, runner ScheduleRunner, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		processor: processor,
		runner:    runner,
		logger:    logger.With("component", "jobs"),
	}
}

// RegisterHandlers binds the handler to its task types.
func (h *TaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProcessResults, h.HandleProcessResults)
	mux.HandleFunc(TypeGenerate, h.HandleGenerate)
}

// HandleProcessResults processes one submitted result batch.
func (h *TaskHandler) HandleProcessResults(ctx context.Context, t *asynq.Task) error {
	var batch ingest.Batch
	if err := json.Unmarshal(t.Payload(), &batch); err != nil {
		// A payload that never unmarshals never will; do not retry.
		return fmt.Errorf("unmarshaling result batch: %v: %w", err, asynq.SkipRetry)
	}

	stats, _, err := h.processor.Process(ctx, batch)
	if err != nil {
		h.logger.Error("processing result batch failed",
			"agent", batch.AgentName,
			"records", len(batch.Records),
			"error", err,
		)
		return fmt.Errorf("processing result batch: %w", err)
	}

	h.logger.Info("result batch processed",
		"agent", batch.AgentName,
		"accepted", stats.Accepted,
		"duplicates", stats.Duplicates,
		"finished", stats.Finished,
	)
	return nil
}

// HandleGenerate runs one schedule generation pass.
func (h *TaskHandler) HandleGenerate(ctx context.Context, _ *asynq.Task) error {
	stats, err := h.runner.Run(ctx)
	if err != nil {
		h.logger.Error("schedule generation failed", "error", err)
		return fmt.Errorf("running schedule generation: %w", err)
	}

	h.logger.Info("schedule generation complete",
		"endpoints", stats.Endpoints,
		"inspections", stats.Inspections,
		"tasks", stats.Tasks,
		"failures", stats.Failures,
	)
	return nil
}
