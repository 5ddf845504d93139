// Package worker - Schedule worker periodically triggers schedule generation
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/payeshgar/endpoint-mon/internal/schedule"
)

// ScheduleWorkerConfig holds configuration for the schedule worker.
type ScheduleWorkerConfig struct {
	// Interval between generation triggers. Must be shorter than the
	// generator's horizon minus its safety margin or coverage gaps open up
	// between passes.
	Interval time.Duration
}

// DefaultScheduleWorkerConfig returns sensible defaults.
func DefaultScheduleWorkerConfig() ScheduleWorkerConfig {
	return ScheduleWorkerConfig{
		Interval: time.Minute,
	}
}

// GenerateTrigger kicks off one schedule generation pass. The queue-backed
// implementation enqueues; DirectTrigger runs the generator inline when no
// queue is configured.
type GenerateTrigger interface {
	EnqueueGenerate(ctx context.Context) error
}

// DirectTrigger runs generation synchronously in the worker's goroutine.
type DirectTrigger struct {
	Generator *schedule.Generator
}

// EnqueueGenerate runs one generation pass immediately.
func (t DirectTrigger) EnqueueGenerate(ctx context.Context) error {
	if _, err := t.Generator.Run(ctx); err != nil {
		return fmt.Errorf("running generation: %w", err)
	}
	return nil
}

// ScheduleWorker periodically triggers schedule generation so inspection
// coverage never falls behind the horizon.
type ScheduleWorker struct {
	trigger GenerateTrigger
	config  ScheduleWorkerConfig
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewScheduleWorker creates a new schedule worker.
func NewScheduleWorker(trigger GenerateTrigger, config ScheduleWorkerConfig, logger *slog.Logger) *ScheduleWorker {
	return &ScheduleWorker{
		trigger: trigger,
		config:  config,
		logger:  logger.With("component", "schedule_worker"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the worker in a goroutine.
func (w *ScheduleWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *ScheduleWorker) Stop() {
	close(w.stopCh)
}

func (w *ScheduleWorker) run(ctx context.Context) {
	w.logger.Info("schedule worker started", "interval", w.config.Interval)

	// Trigger immediately on start so a fresh deployment has coverage
	// before the first tick.
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("schedule worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("schedule worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ScheduleWorker) runOnce(ctx context.Context) {
	if err := w.trigger.EnqueueGenerate(ctx); err != nil {
		w.logger.Error("failed to trigger generation", "error", err)
	}
}
