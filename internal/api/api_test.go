package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/payeshgar/endpoint-mon/internal/ingest"
	"github.com/payeshgar/endpoint-mon/internal/service"
	"github.com/payeshgar/endpoint-mon/internal/store"
	"github.com/payeshgar/endpoint-mon/internal/testutil"
	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// apiMock backs the whole server in tests: it implements the service store,
// the ingest store, and the token lookup.
type apiMock struct {
	mu sync.Mutex

	agents    map[string]*types.Agent // by IP
	byName    map[string]*types.Agent
	endpoints map[string]*types.Endpoint
	tasks     map[string]*types.InspectionTask
	results   map[string]bool
	tokens    map[string]string // by IP
	finished  map[string]bool
}

func newAPIMock() *apiMock {
	return &apiMock{
		agents:    make(map[string]*types.Agent),
		byName:    make(map[string]*types.Agent),
		endpoints: make(map[string]*types.Endpoint),
		tasks:     make(map[string]*types.InspectionTask),
		results:   make(map[string]bool),
		tokens:    make(map[string]string),
		finished:  make(map[string]bool),
	}
}

func (m *apiMock) addAgent(a *types.Agent) {
	m.agents[a.IP] = a
	m.byName[a.Name] = a
}

// service.Store

func (m *apiMock) UpsertAgentByIP(ctx context.Context, agent *types.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.IP] = agent
	m.byName[agent.Name] = agent
	return nil
}

func (m *apiMock) GetAgent(ctx context.Context, name string) (*types.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[name], nil
}

func (m *apiMock) ListAgents(ctx context.Context) ([]types.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Agent
	for _, a := range m.agents {
		out = append(out, *a)
	}
	return out, nil
}

func (m *apiMock) SetAgentTokenHash(ctx context.Context, name, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byName[name]; ok {
		m.tokens[a.IP] = tokenHash
	}
	return nil
}

func (m *apiMock) CreateEndpoint(ctx context.Context, ep *types.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[ep.ID] = ep
	return nil
}

func (m *apiMock) UpdateEndpoint(ctx context.Context, ep *types.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[ep.ID] = ep
	return nil
}

func (m *apiMock) DeactivateEndpoint(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return false, nil
	}
	ep.Active = false
	return true, nil
}

func (m *apiMock) GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return nil, nil
	}
	cp := *ep
	return &cp, nil
}

func (m *apiMock) ListEndpoints(ctx context.Context) ([]types.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Endpoint
	for _, ep := range m.endpoints {
		out = append(out, *ep)
	}
	return out, nil
}

func (m *apiMock) GetInspection(ctx context.Context, id string) (*types.Inspection, error) {
	return nil, nil
}

func (m *apiMock) ListInspections(ctx context.Context, filter store.InspectionFilter) ([]types.Inspection, error) {
	return []types.Inspection{}, nil
}

// ingest.Store

func (m *apiMock) GetAgentByIP(ctx context.Context, ip string) (*types.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[ip], nil
}

func (m *apiMock) UpdateAgentActivity(ctx context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byName[name]; ok {
		a.LastActivity = &at
	}
	return nil
}

func (m *apiMock) GetTask(ctx context.Context, id string) (*types.InspectionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id], nil
}

func (m *apiMock) FindTask(ctx context.Context, inspectionID, agentName string) (*types.InspectionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.InspectionID == inspectionID && task.AgentName == agentName {
			return task, nil
		}
	}
	return nil, nil
}

func (m *apiMock) InsertResult(ctx context.Context, r *types.InspectionResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.InspectionID + "|" + r.AgentIP
	if m.results[key] {
		return false, nil
	}
	m.results[key] = true
	return true, nil
}

func (m *apiMock) TransitionTask(ctx context.Context, taskID string, status types.TaskStatus, errMsg string, finishedAt time.Time) (bool, error) {
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

func (m *apiMock) FinishInspectionIfComplete(ctx context.Context, inspectionID string, finishedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.InspectionID == inspectionID && !task.Status.Terminal() {
			return false, nil
		}
	}
	if m.finished[inspectionID] {
		return false, nil
	}
	m.finished[inspectionID] = true
	return true, nil
}

// TokenStore

func (m *apiMock) GetAgentTokenHash(ctx context.Context, ip string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[ip], nil
}

func newTestServer(m *apiMock, opts Options) *Server {
	logger := testutil.NewTestLogger()
	svc := service.NewService(m, logger)
	ing := ingest.NewIngestor(m, logger)
	return NewServer(svc, ing, m, nil, nil, opts, logger)
}

func doJSON(t *testing.T, srv *Server, method, target, remoteAddr string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// RESULT SUBMISSION
// =============================================================================

func TestSubmitResults(t *testing.T) {
	setup := func() (*apiMock, *types.Agent, *types.InspectionTask) {
		m := newAPIMock()
		agent := testutil.FixtureAgent(func(a *types.Agent) { a.IP = "192.0.2.10" })
		m.addAgent(agent)
		insp := testutil.FixtureInspection()
		task := testutil.FixtureTask(insp.ID, agent.Name)
		m.tasks[task.ID] = task
		return m, agent, task
	}

	t.Run("unknown source address is unauthorized", func(t *testing.T) {
		m, _, task := setup()
		srv := newTestServer(m, Options{})
		rec := doJSON(t, srv, "POST", "/api/v1/inspections/results", "203.0.113.99:40000",
			[]map[string]any{{"inspection_task": task.ID, "connection_status": "SUCCEED"}})

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body["non_field_error"] == "" {
			t.Errorf("expected non_field_error in body, got %s", rec.Body.String())
		}
	})

	t.Run("accepted batch returns an empty object and records the result", func(t *testing.T) {
		m, _, task := setup()
		srv := newTestServer(m, Options{})
		rec := doJSON(t, srv, "POST", "/api/v1/inspections/results", "192.0.2.10:40000",
			[]map[string]any{{"inspection_task": task.ID, "connection_status": "SUCCEED", "status_code": 200}})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if strings.TrimSpace(rec.Body.String()) != "{}" {
			t.Errorf("expected empty object body, got %s", rec.Body.String())
		}
		if task.Status != types.TaskSucceed {
			t.Errorf("expected task transitioned, got %s", task.Status)
		}
	})

	t.Run("submission stamps agent activity", func(t *testing.T) {
		m, agent, task := setup()
		srv := newTestServer(m, Options{})
		doJSON(t, srv, "POST", "/api/v1/inspections/results", "192.0.2.10:40000",
			[]map[string]any{{"inspection_task": task.ID, "connection_status": "SUCCEED"}})

		if agent.LastActivity == nil {
			t.Error("expected last activity to be stamped")
		}
	})

	t.Run("strict mode rejects a malformed batch with per-record errors", func(t *testing.T) {
		m, _, _ := setup()
		srv := newTestServer(m, Options{})
		rec := doJSON(t, srv, "POST", "/api/v1/inspections/results?validate=1", "192.0.2.10:40000",
			[]map[string]any{{"inspection": "not-a-uuid", "connection_status": "MAYBE"}})

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
		var body []map[string][]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if len(body) != 1 {
			t.Fatalf("expected 1 record entry, got %d", len(body))
		}
		if len(body[0]["connection_status"]) == 0 {
			t.Errorf("expected connection_status errors, got %v", body[0])
		}
	})

	t.Run("strict mode reports duplicates as warnings", func(t *testing.T) {
		m, _, task := setup()
		srv := newTestServer(m, Options{})
		rec := []map[string]any{{"inspection_task": task.ID, "connection_status": "SUCCEED"}}

		doJSON(t, srv, "POST", "/api/v1/inspections/results?validate=1", "192.0.2.10:40000", rec)
		second := doJSON(t, srv, "POST", "/api/v1/inspections/results?validate=1", "192.0.2.10:40000", rec)

		if second.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", second.Code, second.Body.String())
		}
		var body map[string][]string
		if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if len(body["warnings"]) == 0 {
			t.Errorf("expected duplicate warning, got %s", second.Body.String())
		}
	})

	t.Run("non-array body is a bad request", func(t *testing.T) {
		m, _, _ := setup()
		srv := newTestServer(m, Options{})
		rec := doJSON(t, srv, "POST", "/api/v1/inspections/results", "192.0.2.10:40000",
			map[string]string{"not": "an array"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("sustained flood is rate limited", func(t *testing.T) {
		m, _, task := setup()
		srv := newTestServer(m, Options{})

		limited := 0
		for i := 0; i < 40; i++ {
			rec := doJSON(t, srv, "POST", "/api/v1/inspections/results", "192.0.2.10:40000",
				[]map[string]any{{"inspection_task": task.ID, "connection_status": "SUCCEED"}})
			if rec.Code == http.StatusTooManyRequests {
				limited++
			}
		}
		if limited == 0 {
			t.Error("expected some requests to be rate limited")
		}
	})
}

// =============================================================================
// AGENT AUTH
// =============================================================================

func TestAgentTokenAuth(t *testing.T) {
	m := newAPIMock()
	agent := testutil.FixtureAgent(func(a *types.Agent) { a.IP = "192.0.2.10"; a.Name = "probe-1" })
	m.addAgent(agent)
	insp := testutil.FixtureInspection()
	task := testutil.FixtureTask(insp.ID, agent.Name)
	m.tasks[task.ID] = task

	srv := newTestServer(m, Options{AgentAuthEnabled: true})

	// Issue a token through the management surface.
	rec := doJSON(t, srv, "POST", "/api/v1/agents/probe-1/token", "10.0.0.1:1", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issuing token: %d: %s", rec.Code, rec.Body.String())
	}
	var issued map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decoding token: %v", err)
	}

	submit := func(authHeader string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode([]map[string]any{
			{"inspection_task": task.ID, "connection_status": "SUCCEED"},
		})
		req := httptest.NewRequest("POST", "/api/v1/inspections/results", &buf)
		req.RemoteAddr = "192.0.2.10:40000"
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		return w
	}

	t.Run("missing token is rejected when enforcement is on", func(t *testing.T) {
		if rec := submit(""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("wrong token is rejected", func(t *testing.T) {
		if rec := submit("Bearer pgar_wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("issued token is accepted", func(t *testing.T) {
		if rec := submit("Bearer " + issued["token"]); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})
}

// =============================================================================
// DIRECTORY AND QUERIES
// =============================================================================

func TestRegisterAgentEndpoint(t *testing.T) {
	m := newAPIMock()
	srv := newTestServer(m, Options{})

	rec := doJSON(t, srv, "POST", "/api/v1/agents", "192.0.2.33:40000",
		map[string]any{"name": "probe-1", "groups": []string{"eu"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var agent types.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decoding agent: %v", err)
	}
	if agent.IP != "192.0.2.33" {
		t.Errorf("expected registration keyed by source address, got %q", agent.IP)
	}
}

func TestListInspectionsParams(t *testing.T) {
	m := newAPIMock()
	srv := newTestServer(m, Options{})

	t.Run("garbage time bound is a bad request", func(t *testing.T) {
		rec := doJSON(t, srv, "GET", "/api/v1/inspections?after=yesterday", "10.0.0.1:1", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("inverted window is a bad request", func(t *testing.T) {
		after := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		before := time.Now().UTC().Format(time.RFC3339)
		rec := doJSON(t, srv, "GET",
			fmt.Sprintf("/api/v1/inspections?after=%s&before=%s", after, before), "10.0.0.1:1", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("defaulted window succeeds", func(t *testing.T) {
		rec := doJSON(t, srv, "GET", "/api/v1/inspections", "10.0.0.1:1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestEndpointRoutes(t *testing.T) {
	m := newAPIMock()
	srv := newTestServer(m, Options{})

	t.Run("create then fetch round-trips", func(t *testing.T) {
		rec := doJSON(t, srv, "POST", "/api/v1/endpoints", "10.0.0.1:1", map[string]any{
			"name": "checkout",
			"http_detail": map[string]any{
				"hostname": "shop.example.com", "path": "/", "port": 443, "method": "GET", "tls": true,
			},
			"monitoring_policy": map[string]any{"interval": 30, "groups": []string{"eu"}},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var ep types.Endpoint
		if err := json.Unmarshal(rec.Body.Bytes(), &ep); err != nil {
			t.Fatalf("decoding endpoint: %v", err)
		}

		got := doJSON(t, srv, "GET", "/api/v1/endpoints/"+ep.ID, "10.0.0.1:1", nil)
		if got.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", got.Code)
		}
	})

	t.Run("invalid endpoint body is a bad request", func(t *testing.T) {
		rec := doJSON(t, srv, "POST", "/api/v1/endpoints", "10.0.0.1:1", map[string]any{
			"name": "bad", "monitoring_policy": map[string]any{"interval": 0},
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing endpoint is 404", func(t *testing.T) {
		rec := doJSON(t, srv, "GET", "/api/v1/endpoints/nope", "10.0.0.1:1", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		rec = doJSON(t, srv, "DELETE", "/api/v1/endpoints/nope", "10.0.0.1:1", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHealth(t *testing.T) {
	srv := newTestServer(newAPIMock(), Options{})
	rec := doJSON(t, srv, "GET", "/api/v1/health", "10.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
