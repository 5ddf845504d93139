package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/payeshgar/endpoint-mon/internal/testutil"
	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// mockStore is an in-memory ingest.Store that mimics the storage layer's
// guards: duplicate results collapse on (inspection, agent address) and task
// transitions only succeed out of PENDING.
type mockStore struct {
	mu sync.Mutex

	agents      map[string]*types.Agent // by IP
	tasks       map[string]*types.InspectionTask
	results     map[string]bool // inspectionID + "|" + agentIP
	activity    map[string]time.Time
	finished    map[string]bool
	inspections map[string][]string // inspectionID -> task IDs
}

func newMockStore() *mockStore {
	return &mockStore{
		agents:      make(map[string]*types.Agent),
		tasks:       make(map[string]*types.InspectionTask),
		results:     make(map[string]bool),
		activity:    make(map[string]time.Time),
		finished:    make(map[string]bool),
		inspections: make(map[string][]string),
	}
}

func (m *mockStore) addAgent(a *types.Agent) {
	m.agents[a.IP] = a
}

func (m *mockStore) addTask(task *types.InspectionTask) {
	m.tasks[task.ID] = task
	m.inspections[task.InspectionID] = append(m.inspections[task.InspectionID], task.ID)
}

func (m *mockStore) GetAgentByIP(ctx context.Context, ip string) (*types.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[ip], nil
}

func (m *mockStore) UpdateAgentActivity(ctx context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[name] = at
	return nil
}

func (m *mockStore) GetTask(ctx context.Context, id string) (*types.InspectionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id], nil
}

func (m *mockStore) FindTask(ctx context.Context, inspectionID, agentName string) (*types.InspectionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.inspections[inspectionID] {
		if m.tasks[id].AgentName == agentName {
			return m.tasks[id], nil
		}
	}
	return nil, nil
}

func (m *mockStore) InsertResult(ctx context.Context, r *types.InspectionResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.InspectionID + "|" + r.AgentIP
	if m.results[key] {
		return false, nil
	}
	m.results[key] = true
	return true, nil
}

func (m *mockStore) TransitionTask(ctx context.Context, taskID string, status types.TaskStatus, errMsg string, finishedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != types.TaskPending {
		return false, nil
	}
	task.Status = status
	task.Error = errMsg
	return true, nil
}

func (m *mockStore) FinishInspectionIfComplete(ctx context.Context, inspectionID string, finishedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished[inspectionID] {
		return false, nil
	}
	for _, id := range m.inspections[inspectionID] {
		if !m.tasks[id].Status.Terminal() {
			return false, nil
		}
	}
	m.finished[inspectionID] = true
	return true, nil
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func newTestIngestor(store *mockStore) *Ingestor {
	return NewIngestor(store, testutil.NewTestLogger())
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuthenticate(t *testing.T) {
	store := newMockStore()
	agent := testutil.FixtureAgent(func(a *types.Agent) { a.IP = "192.0.2.10" })
	store.addAgent(agent)
	ing := newTestIngestor(store)

	t.Run("known address resolves the agent", func(t *testing.T) {
		got, err := ing.Authenticate(context.Background(), "192.0.2.10")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Name != agent.Name {
			t.Errorf("expected agent %s, got %s", agent.Name, got.Name)
		}
	})

	t.Run("unknown address is rejected", func(t *testing.T) {
		_, err := ing.Authenticate(context.Background(), "198.51.100.1")
		if !errors.Is(err, ErrUnknownAgent) {
			t.Fatalf("expected ErrUnknownAgent, got %v", err)
		}
	})
}

// =============================================================================
// PROCESSING
// =============================================================================

func TestProcess(t *testing.T) {
	submittedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	type fixture struct {
		store *mockStore
		agent *types.Agent
		task  *types.InspectionTask
	}

	setup := func() fixture {
		store := newMockStore()
		agent := testutil.FixtureAgent(func(a *types.Agent) { a.IP = "192.0.2.10" })
		store.addAgent(agent)
		insp := testutil.FixtureInspection()
		task := testutil.FixtureTask(insp.ID, agent.Name)
		store.addTask(task)
		return fixture{store: store, agent: agent, task: task}
	}

	batchOf := func(f fixture, recs ...types.ResultSubmission) Batch {
		return Batch{
			AgentName:   f.agent.Name,
			AgentIP:     f.agent.IP,
			SubmittedAt: submittedAt,
			Records:     recs,
		}
	}

	t.Run("successful result transitions the task and finishes the inspection", func(t *testing.T) {
		f := setup()
		stats, _, err := newTestIngestor(f.store).Process(context.Background(), batchOf(f, types.ResultSubmission{
			TaskID:           f.task.ID,
			ConnectionStatus: "SUCCEED",
			StatusCode:       raw(`200`),
			ResponseTime:     raw(`0.125`),
			ByteReceived:     raw(`512`),
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stats.Accepted != 1 {
			t.Errorf("expected 1 accepted, got %d", stats.Accepted)
		}
		if stats.Finished != 1 {
			t.Errorf("expected 1 finished inspection, got %d", stats.Finished)
		}
		if f.task.Status != types.TaskSucceed {
			t.Errorf("expected task SUCCEED, got %s", f.task.Status)
		}
	})

	t.Run("failed connection marks the task FAILED with a reason", func(t *testing.T) {
		f := setup()
		_, _, err := newTestIngestor(f.store).Process(context.Background(), batchOf(f, types.ResultSubmission{
			TaskID:           f.task.ID,
			ConnectionStatus: "TIMED-OUT",
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.task.Status != types.TaskFailed {
			t.Errorf("expected task FAILED, got %s", f.task.Status)
		}
		if f.task.Error != "connection TIMED-OUT" {
			t.Errorf("unexpected task error: %q", f.task.Error)
		}
	})

	t.Run("record resolves its task by inspection reference", func(t *testing.T) {
		f := setup()
		stats, _, err := newTestIngestor(f.store).Process(context.Background(), batchOf(f, types.ResultSubmission{
			InspectionID:     f.task.InspectionID,
			ConnectionStatus: "SUCCEED",
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stats.Accepted != 1 {
			t.Errorf("expected 1 accepted, got %d", stats.Accepted)
		}
		if f.task.Status != types.TaskSucceed {
			t.Errorf("expected task SUCCEED, got %s", f.task.Status)
		}
	})

	t.Run("duplicate submission is discarded, first result wins", func(t *testing.T) {
		f := setup()
		ing := newTestIngestor(f.store)
		rec := types.ResultSubmission{TaskID: f.task.ID, ConnectionStatus: "SUCCEED"}

		if _, _, err := ing.Process(context.Background(), batchOf(f, rec)); err != nil {
			t.Fatalf("first batch: %v", err)
		}

		rec.ConnectionStatus = "CONN-FAILED"
		stats, warnings, err := ing.Process(context.Background(), batchOf(f, rec))
		if err != nil {
			t.Fatalf("second batch: %v", err)
		}
		if stats.Duplicates != 1 {
			t.Errorf("expected 1 duplicate, got %d", stats.Duplicates)
		}
		if len(warnings) == 0 {
			t.Error("expected a duplicate warning")
		}
		if f.task.Status != types.TaskSucceed {
			t.Errorf("first writer should win, task is %s", f.task.Status)
		}
	})

	t.Run("inspection finishes only after every task is terminal", func(t *testing.T) {
		store := newMockStore()
		a1 := testutil.FixtureAgent(func(a *types.Agent) { a.Name = "a1"; a.IP = "192.0.2.1" })
		a2 := testutil.FixtureAgent(func(a *types.Agent) { a.Name = "a2"; a.IP = "192.0.2.2" })
		store.addAgent(a1)
		store.addAgent(a2)
		insp := testutil.FixtureInspection()
		t1 := testutil.FixtureTask(insp.ID, "a1")
		t2 := testutil.FixtureTask(insp.ID, "a2")
		store.addTask(t1)
		store.addTask(t2)
		ing := newTestIngestor(store)

		stats, _, err := ing.Process(context.Background(), Batch{
			AgentName: "a1", AgentIP: a1.IP, SubmittedAt: submittedAt,
			Records: []types.ResultSubmission{{TaskID: t1.ID, ConnectionStatus: "SUCCEED"}},
		})
		if err != nil {
			t.Fatalf("first agent: %v", err)
		}
		if stats.Finished != 0 {
			t.Errorf("inspection finished with a PENDING task remaining")
		}

		stats, _, err = ing.Process(context.Background(), Batch{
			AgentName: "a2", AgentIP: a2.IP, SubmittedAt: submittedAt,
			Records: []types.ResultSubmission{{TaskID: t2.ID, ConnectionStatus: "CONN-FAILED"}},
		})
		if err != nil {
			t.Fatalf("second agent: %v", err)
		}
		if stats.Finished != 1 {
			t.Errorf("expected inspection to finish after the last task, got %d", stats.Finished)
		}
	})

	t.Run("concurrent batches converge on a single finish", func(t *testing.T) {
		store := newMockStore()
		insp := testutil.FixtureInspection()
		const n = 8
		agents := make([]*types.Agent, n)
		tasks := make([]*types.InspectionTask, n)
		for i := 0; i < n; i++ {
			i := i
			agents[i] = testutil.FixtureAgent(func(a *types.Agent) {
				a.Name = fmt.Sprintf("agent-%d", i)
				a.IP = fmt.Sprintf("192.0.2.%d", i+1)
			})
			store.addAgent(agents[i])
			tasks[i] = testutil.FixtureTask(insp.ID, agents[i].Name)
			store.addTask(tasks[i])
		}
		ing := newTestIngestor(store)

		var wg sync.WaitGroup
		finished := make([]int, n)
		for i := 0; i < n; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				stats, _, err := ing.Process(context.Background(), Batch{
					AgentName: agents[i].Name, AgentIP: agents[i].IP, SubmittedAt: submittedAt,
					Records: []types.ResultSubmission{{TaskID: tasks[i].ID, ConnectionStatus: "SUCCEED"}},
				})
				if err != nil {
					t.Errorf("batch %d: %v", i, err)
					return
				}
				finished[i] = stats.Finished
			}()
		}
		wg.Wait()

		total := 0
		for _, f := range finished {
			total += f
		}
		if total != 1 {
			t.Errorf("expected exactly one finish across concurrent batches, got %d", total)
		}
	})

	t.Run("replayed batch is a no-op", func(t *testing.T) {
		f := setup()
		ing := newTestIngestor(f.store)
		batch := batchOf(f, types.ResultSubmission{TaskID: f.task.ID, ConnectionStatus: "SUCCEED"})

		if _, _, err := ing.Process(context.Background(), batch); err != nil {
			t.Fatalf("first delivery: %v", err)
		}
		stats, _, err := ing.Process(context.Background(), batch)
		if err != nil {
			t.Fatalf("redelivery: %v", err)
		}
		if stats.Accepted != 0 || stats.Duplicates != 1 {
			t.Errorf("redelivery accepted %d, duplicates %d", stats.Accepted, stats.Duplicates)
		}
	})

	t.Run("malformed connection status drops the record only", func(t *testing.T) {
		f := setup()
		stats, warnings, err := newTestIngestor(f.store).Process(context.Background(), batchOf(f,
			types.ResultSubmission{TaskID: f.task.ID, ConnectionStatus: "BANANAS"},
			types.ResultSubmission{TaskID: f.task.ID, ConnectionStatus: "SUCCEED"},
		))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stats.Malformed != 1 {
			t.Errorf("expected 1 malformed, got %d", stats.Malformed)
		}
		if stats.Accepted != 1 {
			t.Errorf("expected 1 accepted, got %d", stats.Accepted)
		}
		if len(warnings) != 1 {
			t.Errorf("expected 1 warning, got %d", len(warnings))
		}
	})

	t.Run("batch stamps agent activity", func(t *testing.T) {
		f := setup()
		if _, _, err := newTestIngestor(f.store).Process(context.Background(), batchOf(f)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := f.store.activity[f.agent.Name]; !got.Equal(submittedAt) {
			t.Errorf("expected activity %v, got %v", submittedAt, got)
		}
	})
}

func TestComplete(t *testing.T) {
	tests := []struct {
		name  string
		tasks []types.InspectionTask
		want  bool
	}{
		{"zero tasks is vacuously complete", nil, true},
		{"pending task blocks completion", []types.InspectionTask{{Status: types.TaskPending}}, false},
		{"all terminal completes", []types.InspectionTask{{Status: types.TaskSucceed}, {Status: types.TaskFailed}}, true},
		{"mixed with pending does not", []types.InspectionTask{{Status: types.TaskSucceed}, {Status: types.TaskPending}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Complete(tt.tasks); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
