// Package testutil provides testing utilities and fixtures for the pipeline.
//
// Fixtures use functional options for customization:
//
//	agent := testutil.FixtureAgent()
//	agent := testutil.FixtureAgent(func(a *types.Agent) {
//		a.Name = "custom-agent"
//		a.Groups = []string{"eu-west"}
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// AGENT FIXTURES
// =============================================================================

// FixtureAgent creates a test agent with sensible defaults.
// Use overrides to customize specific fields.
func FixtureAgent(overrides ...func(*types.Agent)) *types.Agent {
	agent := &types.Agent{
		Name:      "test-agent-" + uuid.New().String()[:8],
		IP:        "10.0.0.1",
		Groups:    []string{"default"},
		Status:    types.AgentStatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	for _, override := range overrides {
		override(agent)
	}

	return agent
}

// FixtureAgentInactive creates an administratively disabled agent.
func FixtureAgentInactive(overrides ...func(*types.Agent)) *types.Agent {
	return FixtureAgent(append([]func(*types.Agent){
		func(a *types.Agent) {
			a.Status = types.AgentStatusInactive
		},
	}, overrides...)...)
}

// =============================================================================
// ENDPOINT FIXTURES
// =============================================================================

// FixtureEndpoint creates a test endpoint with an HTTP detail and a policy.
func FixtureEndpoint(overrides ...func(*types.Endpoint)) *types.Endpoint {
	ep := &types.Endpoint{
		ID:     uuid.New().String(),
		Name:   "test-endpoint-" + uuid.New().String()[:8],
		Active: true,
		HTTPDetail: &types.HTTPDetail{
			Hostname: "example.com",
			Path:     "/healthz",
			Port:     443,
			Method:   "GET",
			TLS:      true,
		},
		Policy: &types.MonitoringPolicy{
			IntervalSeconds: 60,
			Groups:          []string{"default"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	for _, override := range overrides {
		override(ep)
	}

	return ep
}

// FixtureEndpointInactive creates a deactivated endpoint.
func FixtureEndpointInactive(overrides ...func(*types.Endpoint)) *types.Endpoint {
	return FixtureEndpoint(append([]func(*types.Endpoint){
		func(e *types.Endpoint) {
			e.Active = false
		},
	}, overrides...)...)
}

// =============================================================================
// INSPECTION FIXTURES
// =============================================================================

// FixtureInspection creates a pending inspection.
func FixtureInspection(overrides ...func(*types.Inspection)) *types.Inspection {
	insp := &types.Inspection{
		ID:         uuid.New().String(),
		EndpointID: uuid.New().String(),
		Timestamp:  time.Now().Add(time.Minute).Truncate(time.Second),
		Status:     types.InspectionPending,
		CreatedAt:  time.Now(),
	}

	for _, override := range overrides {
		override(insp)
	}

	return insp
}

// FixtureTask creates a pending task for an inspection.
func FixtureTask(inspectionID, agentName string, overrides ...func(*types.InspectionTask)) *types.InspectionTask {
	task := &types.InspectionTask{
		ID:           uuid.New().String(),
		InspectionID: inspectionID,
		AgentName:    agentName,
		Status:       types.TaskPending,
		StartedAt:    time.Now(),
	}

	for _, override := range overrides {
		override(task)
	}

	return task
}

// FixtureResult creates a successful probe result.
func FixtureResult(inspectionID, agentName, agentIP string, overrides ...func(*types.InspectionResult)) *types.InspectionResult {
	code := 200
	rt := 0.125
	br := int64(512)
	res := &types.InspectionResult{
		ID:               uuid.New().String(),
		InspectionID:     inspectionID,
		AgentName:        agentName,
		AgentIP:          agentIP,
		Kind:             types.ResultKindHTTP,
		ConnectionStatus: types.ConnSucceed,
		StatusCode:       &code,
		ResponseTime:     &rt,
		ByteReceived:     &br,
		SubmittedAt:      time.Now(),
	}

	for _, override := range overrides {
		override(res)
	}

	return res
}
