// Package service contains the business logic for the monitoring directory
// and the inspection read surface.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/payeshgar/endpoint-mon/internal/config"
	"github.com/payeshgar/endpoint-mon/internal/store"
	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidWindow is returned when a query window has its lower bound after
// its upper bound.
var ErrInvalidWindow = errors.New("after must precede before")

// ErrInvalidArgument marks bad caller input, as opposed to infrastructure
// failure. Wrapped around entity validation errors.
var ErrInvalidArgument = errors.New("invalid argument")

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
}

// Store defines the storage operations the service needs. Implemented by
// store.Store.
type Store interface {
	UpsertAgentByIP(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, name string) (*types.Agent, error)
	ListAgents(ctx context.Context) ([]types.Agent, error)
	SetAgentTokenHash(ctx context.Context, name, tokenHash string) error

	CreateEndpoint(ctx context.Context, ep *types.Endpoint) error
	UpdateEndpoint(ctx context.Context, ep *types.Endpoint) error
	DeactivateEndpoint(ctx context.Context, id string) (bool, error)
	GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]types.Endpoint, error)

	GetInspection(ctx context.Context, id string) (*types.Inspection, error)
	ListInspections(ctx context.Context, filter store.InspectionFilter) ([]types.Inspection, error)
}

// Service provides directory and query operations.
type Service struct {
	store  Store
	logger *slog.Logger

	now func() time.Time
}

// NewService creates a new service.
func NewService(st Store, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.With("component", "service"),
		now:    time.Now,
	}
}

// SetClock overrides the wall clock. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// =============================================================================
// AGENT OPERATIONS
// =============================================================================

// RegisterAgentRequest contains parameters for agent registration.
type RegisterAgentRequest struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

// RegisterAgent registers the agent calling from sourceIP, or re-registers
// the one already bound to that address. The source address is the agent's
// identity: a name collision on a different address is rejected by storage,
// and re-registration replaces the group membership wholesale.
func (s *Service) RegisterAgent(ctx context.Context, req RegisterAgentRequest, sourceIP string) (*types.Agent, error) {
	agent := &types.Agent{
		Name:   req.Name,
		IP:     sourceIP,
		Groups: req.Groups,
		Status: types.AgentStatusActive,
	}
	if err := agent.Validate(); err != nil {
		return nil, invalid(err)
	}

	if err := s.store.UpsertAgentByIP(ctx, agent); err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	s.logger.Info("agent registered",
		"name", agent.Name,
		"ip", agent.IP,
		"groups", agent.Groups,
	)
	return agent, nil
}

// ListAgents returns every registered agent with its group membership.
func (s *Service) ListAgents(ctx context.Context) ([]types.Agent, error) {
	return s.store.ListAgents(ctx)
}

// GetAgent retrieves one agent by name.
func (s *Service) GetAgent(ctx context.Context, name string) (*types.Agent, error) {
	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrNotFound
	}
	return agent, nil
}

// IssueAgentToken generates a fresh access token for an agent and stores its
// hash. The clear token is returned once and never kept.
func (s *Service) IssueAgentToken(ctx context.Context, name string) (string, error) {
	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		return "", err
	}
	if agent == nil {
		return "", ErrNotFound
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := "pgar_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	if err := s.store.SetAgentTokenHash(ctx, name, string(hash)); err != nil {
		return "", fmt.Errorf("storing token hash: %w", err)
	}

	s.logger.Info("agent token issued", "name", name)
	return token, nil
}

// =============================================================================
// ENDPOINT OPERATIONS
// =============================================================================

// EndpointRequest contains parameters for creating or updating an endpoint.
type EndpointRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Active      *bool                   `json:"active"`
	HTTP        *types.HTTPDetail       `json:"http_detail"`
	Policy      *types.MonitoringPolicy `json:"monitoring_policy"`
}

// CreateEndpoint creates a monitored endpoint with its probe detail and
// policy.
func (s *Service) CreateEndpoint(ctx context.Context, req EndpointRequest) (*types.Endpoint, error) {
	ep := &types.Endpoint{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Active:      true,
		HTTPDetail:  req.HTTP,
		Policy:      req.Policy,
	}
	if req.Active != nil {
		ep.Active = *req.Active
	}
	if err := ep.Validate(); err != nil {
		return nil, invalid(err)
	}

	if err := s.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("creating endpoint: %w", err)
	}

	s.logger.Info("endpoint created", "id", ep.ID, "name", ep.Name)
	return ep, nil
}

// UpdateEndpoint applies the request to an existing endpoint. Unset request
// fields keep their current values.
func (s *Service) UpdateEndpoint(ctx context.Context, id string, req EndpointRequest) (*types.Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, ErrNotFound
	}

	if req.Name != "" {
		ep.Name = req.Name
	}
	if req.Description != "" {
		ep.Description = req.Description
	}
	if req.Active != nil {
		ep.Active = *req.Active
	}
	if req.HTTP != nil {
		ep.HTTPDetail = req.HTTP
	}
	if req.Policy != nil {
		ep.Policy = req.Policy
	}
	if err := ep.Validate(); err != nil {
		return nil, invalid(err)
	}

	if err := s.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("updating endpoint: %w", err)
	}

	s.logger.Info("endpoint updated", "id", ep.ID, "name", ep.Name)
	return ep, nil
}

// DeactivateEndpoint stops future schedule generation for an endpoint.
// Already-planned inspections still run to completion.
func (s *Service) DeactivateEndpoint(ctx context.Context, id string) error {
	found, err := s.store.DeactivateEndpoint(ctx, id)
	if err != nil {
		return fmt.Errorf("deactivating endpoint: %w", err)
	}
	if !found {
		return ErrNotFound
	}

	s.logger.Info("endpoint deactivated", "id", id)
	return nil
}

// GetEndpoint retrieves one endpoint.
func (s *Service) GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, ErrNotFound
	}
	return ep, nil
}

// ListEndpoints returns every endpoint, active or not.
func (s *Service) ListEndpoints(ctx context.Context) ([]types.Endpoint, error) {
	return s.store.ListEndpoints(ctx)
}

// =============================================================================
// INSPECTION QUERIES
// =============================================================================

// ResolveWindow fills in the missing bounds of an inspection query window.
// Both bounds absent gives now..now+window; a sole lower bound extends
// forward by window, a sole upper bound back by window. An inverted pair is
// ErrInvalidWindow; equal bounds are an empty window, not an error.
func ResolveWindow(after, before *time.Time, now time.Time, window time.Duration) (time.Time, time.Time, error) {
	switch {
	case after == nil && before == nil:
		return now, now.Add(window), nil
	case before == nil:
		return *after, after.Add(window), nil
	case after == nil:
		return before.Add(-window), *before, nil
	}
	if after.After(*before) {
		return time.Time{}, time.Time{}, ErrInvalidWindow
	}
	return *after, *before, nil
}

// QueryInspections lists inspections in a time window, optionally narrowed
// to endpoints whose policy targets any of the given groups. Bounds are
// exclusive.
func (s *Service) QueryInspections(ctx context.Context, after, before *time.Time, groups []string) ([]types.Inspection, error) {
	from, to, err := ResolveWindow(after, before, s.now(), config.DefaultQueryWindow)
	if err != nil {
		return nil, err
	}

	inspections, err := s.store.ListInspections(ctx, store.InspectionFilter{
		After:  from,
		Before: to,
		Groups: groups,
	})
	if err != nil {
		return nil, fmt.Errorf("listing inspections: %w", err)
	}
	return inspections, nil
}

// GetInspection retrieves one inspection with its tasks and results.
func (s *Service) GetInspection(ctx context.Context, id string) (*types.Inspection, error) {
	insp, err := s.store.GetInspection(ctx, id)
	if err != nil {
		return nil, err
	}
	if insp == nil {
		return nil, ErrNotFound
	}
	return insp, nil
}
