// Package api provides the HTTP surface of the monitoring pipeline.
//
// # Endpoints
//
// Agent API:
//   - POST /api/v1/agents - Register calling agent (keyed by source address)
//   - POST /api/v1/inspections/results - Submit probe result batch
//
// Management API:
//   - GET  /api/v1/agents - List agents
//   - GET  /api/v1/agents/{name} - Get agent details
//   - POST /api/v1/agents/{name}/token - Issue agent access token
//   - GET  /api/v1/endpoints - List endpoints
//   - POST /api/v1/endpoints - Create endpoint
//   - GET  /api/v1/endpoints/{id} - Get endpoint details
//   - PUT  /api/v1/endpoints/{id} - Update endpoint
//   - DELETE /api/v1/endpoints/{id} - Deactivate endpoint
//   - GET  /api/v1/inspections - List inspections in a time window
//   - GET  /api/v1/inspections/{id} - Get inspection with tasks and results
//
// Health:
//   - GET /api/v1/health - Health check
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/payeshgar/endpoint-mon/internal/cache"
	"github.com/payeshgar/endpoint-mon/internal/config"
	"github.com/payeshgar/endpoint-mon/internal/ingest"
	"github.com/payeshgar/endpoint-mon/internal/service"
)

// ResultEnqueuer hands a submitted batch to the work queue. Implemented by
// jobs.Client; nil means batches are processed synchronously on the request
// path.
type ResultEnqueuer interface {
	EnqueueResultBatch(ctx context.Context, batch ingest.Batch) error
}

// TokenStore looks up agent token hashes for the auth middleware.
// Implemented by store.Store.
type TokenStore interface {
	GetAgentTokenHash(ctx context.Context, ip string) (string, error)
}

// Options controls optional server behavior.
type Options struct {
	// TrustProxyHeaders resolves the caller's address from X-Forwarded-For.
	TrustProxyHeaders bool

	// AgentAuthEnabled enforces agent token authentication on submissions.
	// When false tokens are checked and logged but never rejected.
	AgentAuthEnabled bool
}

// Server is the HTTP API server.
type Server struct {
	svc       *service.Service
	ingestor  *ingest.Ingestor
	validator *ingest.Validator
	enqueuer  ResultEnqueuer
	tokens    TokenStore
	cache     *cache.Cache
	logger    *slog.Logger
	mux       *http.ServeMux
	opts      Options

	limiter *ipRateLimiter
}

// NewServer creates a new API server. enqueuer and responseCache may be nil
// when Redis is not configured.
func NewServer(
	svc *service.Service,
	ingestor *ingest.Ingestor,
	tokens TokenStore,
	enqueuer ResultEnqueuer,
	responseCache *cache.Cache,
	opts Options,
	logger *slog.Logger,
) *Server {
	s := &Server{
		svc:       svc,
		ingestor:  ingestor,
		validator: ingest.NewValidator(),
		enqueuer:  enqueuer,
		tokens:    tokens,
		cache:     responseCache,
		logger:    logger,
		mux:       http.NewServeMux(),
		opts:      opts,
		limiter:   newIPRateLimiter(config.SubmitRatePerSecond, config.SubmitBurst),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	agentAuth := s.AgentAuthMiddleware(AgentAuthConfig{
		Enabled: s.opts.AgentAuthEnabled,
		Logger:  s.logger,
	})

	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Agents
	s.mux.HandleFunc("POST /api/v1/agents", s.handleRegisterAgent)
	s.mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /api/v1/agents/{name}", s.handleGetAgent)
	s.mux.HandleFunc("POST /api/v1/agents/{name}/token", s.handleIssueAgentToken)

	// Endpoints
	s.mux.HandleFunc("GET /api/v1/endpoints", s.handleListEndpoints)
	s.mux.HandleFunc("POST /api/v1/endpoints", s.handleCreateEndpoint)
	s.mux.HandleFunc("GET /api/v1/endpoints/{id}", s.handleGetEndpoint)
	s.mux.HandleFunc("PUT /api/v1/endpoints/{id}", s.handleUpdateEndpoint)
	s.mux.HandleFunc("DELETE /api/v1/endpoints/{id}", s.handleDeactivateEndpoint)

	// Inspections
	s.mux.HandleFunc("GET /api/v1/inspections", s.handleListInspections)
	s.mux.HandleFunc("GET /api/v1/inspections/{id}", s.handleGetInspection)

	// Result submission (authenticated by source address, token optional)
	s.mux.HandleFunc("POST /api/v1/inspections/results", wrapHandler(s.handleSubmitResults, agentAuth))
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// AGENTS
// =============================================================================

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterAgentRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sourceIP, err := s.sourceIP(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "cannot resolve source address")
		return
	}

	agent, err := s.svc.RegisterAgent(r.Context(), req, sourceIP)
	if err != nil {
		if isValidationError(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("agent registration failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	const cacheKey = "agents"

	if s.cache != nil {
		if data, err := s.cache.Get(r.Context(), cacheKey); err == nil && data != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
	}

	agents, err := s.svc.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(r.Context(), cacheKey, agents, config.CacheTTLAgentList); err != nil {
			s.logger.Warn("failed to cache agent list", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.svc.GetAgent(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to get agent")
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleIssueAgentToken(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	token, err := s.svc.IssueAgentToken(r.Context(), name)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.logger.Error("token issue failed", "name", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

// =============================================================================
// ENDPOINTS
// =============================================================================

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req service.EndpointRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ep, err := s.svc.CreateEndpoint(r.Context(), req)
	if err != nil {
		if isValidationError(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("endpoint creation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create endpoint")
		return
	}

	s.writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.svc.ListEndpoints(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list endpoints")
		return
	}
	s.writeJSON(w, http.StatusOK, endpoints)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.svc.GetEndpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to get endpoint")
		return
	}
	s.writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req service.EndpointRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ep, err := s.svc.UpdateEndpoint(r.Context(), r.PathValue("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "endpoint not found")
		case isValidationError(err):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("endpoint update failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to update endpoint")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleDeactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeactivateEndpoint(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to deactivate endpoint")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INSPECTIONS
// =============================================================================

func (s *Server) handleListInspections(w http.ResponseWriter, r *http.Request) {
	after, err := parseTimeParam(r, "after")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "after must be RFC 3339")
		return
	}
	before, err := parseTimeParam(r, "before")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "before must be RFC 3339")
		return
	}
	groups := r.URL.Query()["groups"]

	cacheKey := "inspections?" + r.URL.RawQuery
	if s.cache != nil {
		if data, err := s.cache.Get(r.Context(), cacheKey); err == nil && data != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
	}

	inspections, err := s.svc.QueryInspections(r.Context(), after, before, groups)
	if err != nil {
		if errors.Is(err, service.ErrInvalidWindow) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("inspection query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list inspections")
		return
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(r.Context(), cacheKey, inspections, config.CacheTTLInspectionList); err != nil {
			s.logger.Warn("failed to cache inspection list", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, inspections)
}

func (s *Server) handleGetInspection(w http.ResponseWriter, r *http.Request) {
	insp, err := s.svc.GetInspection(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "inspection not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to get inspection")
		return
	}
	s.writeJSON(w, http.StatusOK, insp)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isValidationError distinguishes bad input from infrastructure failure.
func isValidationError(err error) bool {
	return errors.Is(err, service.ErrInvalidArgument)
}
