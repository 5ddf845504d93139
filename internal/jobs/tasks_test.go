package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/payeshgar/endpoint-mon/internal/ingest"
	"github.com/payeshgar/endpoint-mon/internal/schedule"
	"github.com/payeshgar/endpoint-mon/internal/testutil"
	"github.com/payeshgar/endpoint-mon/pkg/types"
)

type mockProcessor struct {
	got  *ingest.Batch
	err  error
	warn ingest.Warnings
}

func (m *mockProcessor) Process(ctx context.Context, batch ingest.Batch) (ingest.Stats, ingest.Warnings, error) {
	m.got = &batch
	return ingest.Stats{Accepted: len(batch.Records)}, m.warn, m.err
}

type mockRunner struct {
	runs int
	err  error
}

func (m *mockRunner) Run(ctx context.Context) (schedule.Stats, error) {
	m.runs++
	return schedule.Stats{}, m.err
}

func TestHandleProcessResults(t *testing.T) {
	batch := ingest.Batch{
		AgentName:   "probe-1",
		AgentIP:     "10.0.0.1",
		SubmittedAt: time.Now().UTC(),
		Records: []types.ResultSubmission{
			{TaskID: "task-1", ConnectionStatus: "SUCCEED"},
		},
	}

	t.Run("delivers the batch to the processor", func(t *testing.T) {
		task, err := NewProcessResultsTask(batch)
		if err != nil {
			t.Fatalf("NewProcessResultsTask: %v", err)
		}
		if task.Type() != TypeProcessResults {
			t.Errorf("task type = %q", task.Type())
		}

		proc := &mockProcessor{}
		h := NewTaskHandler(proc, &mockRunner{}, testutil.NewTestLogger())
		if err := h.HandleProcessResults(context.Background(), task); err != nil {
			t.Fatalf("HandleProcessResults: %v", err)
		}
		if proc.got == nil || proc.got.AgentName != "probe-1" || len(proc.got.Records) != 1 {
			t.Errorf("processor saw %+v", proc.got)
		}
	})

	t.Run("processor failure is retryable", func(t *testing.T) {
		task, _ := NewProcessResultsTask(batch)
		proc := &mockProcessor{err: errors.New("database down")}
		h := NewTaskHandler(proc, &mockRunner{}, testutil.NewTestLogger())

		err := h.HandleProcessResults(context.Background(), task)
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, asynq.SkipRetry) {
			t.Error("transient failure must stay retryable")
		}
	})

	t.Run("garbage payload is not retried", func(t *testing.T) {
		task := asynq.NewTask(TypeProcessResults, []byte("not json"))
		h := NewTaskHandler(&mockProcessor{}, &mockRunner{}, testutil.NewTestLogger())

		err := h.HandleProcessResults(context.Background(), task)
		if !errors.Is(err, asynq.SkipRetry) {
			t.Errorf("expected SkipRetry, got %v", err)
		}
	})
}

func TestHandleGenerate(t *testing.T) {
	t.Run("runs one pass", func(t *testing.T) {
		runner := &mockRunner{}
		h := NewTaskHandler(&mockProcessor{}, runner, testutil.NewTestLogger())
		if err := h.HandleGenerate(context.Background(), NewGenerateTask()); err != nil {
			t.Fatalf("HandleGenerate: %v", err)
		}
		if runner.runs != 1 {
			t.Errorf("runs = %d, want 1", runner.runs)
		}
	})

	t.Run("propagates failures for retry", func(t *testing.T) {
		runner := &mockRunner{err: errors.New("listing endpoints failed")}
		h := NewTaskHandler(&mockProcessor{}, runner, testutil.NewTestLogger())
		if err := h.HandleGenerate(context.Background(), NewGenerateTask()); err == nil {
			t.Fatal("expected error")
		}
	})
}
