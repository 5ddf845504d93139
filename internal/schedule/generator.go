// Package schedule generates future inspections from per-endpoint monitoring
// policies and fans each one out to the eligible agents.
//
// # Design
//
// Planning is a pure function over (latest scheduled instant, now, interval,
// horizon) so the generation pass is trivially testable with a fixed clock.
// All race safety lives in the storage layer: the unique
// (endpoint, timestamp) and (inspection, agent) constraints turn concurrent
// or repeated passes into no-ops.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// GeneratorStore defines the storage interface for the schedule generator.
type GeneratorStore interface {
	// ListActiveEndpoints returns endpoints eligible for generation,
	// each with its monitoring policy attached.
	ListActiveEndpoints(ctx context.Context) ([]types.Endpoint, error)

	// LatestInspectionTime returns the most recently scheduled inspection
	// timestamp for an endpoint, nil when none exists.
	LatestInspectionTime(ctx context.Context, endpointID string) (*time.Time, error)

	// InsertInspections batch-inserts inspections at the given instants,
	// skipping instants that already exist, and returns the created rows.
	InsertInspections(ctx context.Context, endpointID string, timestamps []time.Time) ([]types.Inspection, error)

	// ResolveEligibleAgents returns the distinct active agents belonging
	// to at least one of the given groups.
	ResolveEligibleAgents(ctx context.Context, groups []string) ([]types.Agent, error)

	// CreateTasks creates one PENDING task per agent for an inspection,
	// skipping agents that already have one. Returns the created count.
	CreateTasks(ctx context.Context, inspectionID string, agentNames []string) (int, error)

	// FinishInspectionIfComplete finishes an inspection whose tasks are
	// all terminal. An inspection with zero tasks finishes vacuously.
	FinishInspectionIfComplete(ctx context.Context, inspectionID string, finishedAt time.Time) (bool, error)
}

// Config holds generator tuning.
type Config struct {
	// Horizon is how far into the future inspections are provisioned.
	Horizon time.Duration

	// SafetyMargin shrinks the horizon check: an endpoint whose latest
	// inspection lies at or beyond now+Horizon-SafetyMargin is already
	// provisioned and skipped this pass.
	SafetyMargin time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Horizon:      20 * time.Minute,
		SafetyMargin: 1 * time.Minute,
	}
}

// Generator extends every active endpoint's inspection horizon and fans new
// inspections out to eligible agents.
type Generator struct {
	store  GeneratorStore
	config Config
	logger *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewGenerator creates a generator. A zero-valued config is replaced with
// defaults.
func NewGenerator(store GeneratorStore, config Config, logger *slog.Logger) *Generator {
	if config.Horizon <= 0 {
		config = DefaultConfig()
	}
	return &Generator{
		store:  store,
		config: config,
		logger: logger.With("component", "schedule_generator"),
		now:    time.Now,
	}
}

// SetClock overrides the wall clock. Test hook.
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

// Stats summarizes one generation pass.
type Stats struct {
	Endpoints   int `json:"endpoints"`
	Inspections int `json:"inspections"`
	Tasks       int `json:"tasks"`
	Failures    int `json:"failures"`
}

// Run executes one generation pass over all active endpoints.
//
// The pass is idempotent and safe to re-run or run concurrently: planned
// instants that already exist collapse against the (endpoint, timestamp)
// constraint. A failure on one endpoint never aborts the others.
func (g *Generator) Run(ctx context.Context) (Stats, error) {
	start := g.now()

	endpoints, err := g.store.ListActiveEndpoints(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing active endpoints: %w", err)
	}

	var stats Stats
	stats.Endpoints = len(endpoints)

	for _, ep := range endpoints {
		inspections, tasks, err := g.generateEndpoint(ctx, ep)
		if err != nil {
			stats.Failures++
			g.logger.Error("generation failed for endpoint",
				"endpoint_id", ep.ID,
				"endpoint", ep.Name,
				"error", err,
			)
			continue
		}
		stats.Inspections += inspections
		stats.Tasks += tasks
	}

	g.logger.Info("generation pass complete",
		"duration", time.Since(start),
		"endpoints", stats.Endpoints,
		"inspections", stats.Inspections,
		"tasks", stats.Tasks,
		"failures", stats.Failures,
	)
	return stats, nil
}

// generateEndpoint tops up one endpoint's horizon and fans out whatever was
// newly created.
func (g *Generator) generateEndpoint(ctx context.Context, ep types.Endpoint) (int, int, error) {
	if ep.Policy == nil {
		return 0, 0, fmt.Errorf("endpoint has no monitoring policy")
	}

	latest, err := g.store.LatestInspectionTime(ctx, ep.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("finding latest inspection: %w", err)
	}

	now := g.now()
	planned := PlanTimestamps(latest, now, ep.Policy.Interval(), g.config.Horizon, g.config.SafetyMargin)
	if len(planned) == 0 {
		return 0, 0, nil
	}

	inserted, err := g.store.InsertInspections(ctx, ep.ID, planned)
	if err != nil {
		return 0, 0, fmt.Errorf("inserting inspections: %w", err)
	}
	if len(inserted) < len(planned) {
		// Lost instants were won by a concurrent pass; the rows exist.
		g.logger.Debug("skipped already-provisioned instants",
			"endpoint_id", ep.ID,
			"planned", len(planned),
			"inserted", len(inserted),
		)
	}

	tasks := 0
	for _, insp := range inserted {
		n, err := g.Fanout(ctx, insp, ep.Policy.Groups)
		if err != nil {
			return len(inserted), tasks, fmt.Errorf("fanning out inspection %s: %w", insp.ID, err)
		}
		tasks += n
	}
	return len(inserted), tasks, nil
}

// Fanout creates one task per eligible agent for an inspection. Re-running
// it for a partially fanned-out inspection skips agents that already have a
// task. An inspection with no eligible agents is finished vacuously and
// never blocks completion.
func (g *Generator) Fanout(ctx context.Context, insp types.Inspection, groups []string) (int, error) {
	agents, err := g.store.ResolveEligibleAgents(ctx, groups)
	if err != nil {
		return 0, fmt.Errorf("resolving eligible agents: %w", err)
	}

	if len(agents) == 0 {
		if _, err := g.store.FinishInspectionIfComplete(ctx, insp.ID, g.now()); err != nil {
			return 0, fmt.Errorf("finishing empty inspection: %w", err)
		}
		g.logger.Warn("inspection has no eligible agents",
			"inspection_id", insp.ID,
			"endpoint_id", insp.EndpointID,
			"groups", groups,
		)
		return 0, nil
	}

	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}

	created, err := g.store.CreateTasks(ctx, insp.ID, names)
	if err != nil {
		return 0, fmt.Errorf("creating tasks: %w", err)
	}
	return created, nil
}

// PlanTimestamps computes the inspection instants to create for one endpoint.
//
// With no prior inspection the endpoint is seeded with a single instant at
// now; the horizon is topped up on the next pass. Otherwise the cursor
// advances from the latest scheduled instant in interval steps up to
// now+horizon. Instants at or before now are never planned: past-due slots
// missed while the generator was down are skipped, not backfilled.
//
// An endpoint whose latest instant already lies at or beyond
// now+horizon-margin is fully provisioned and yields nothing.
func PlanTimestamps(latest *time.Time, now time.Time, interval, horizon, margin time.Duration) []time.Time {
	if interval <= 0 {
		return nil
	}
	if latest == nil {
		return []time.Time{now}
	}

	boundary := now.Add(horizon)
	if !latest.Before(boundary.Add(-margin)) {
		return nil
	}

	var planned []time.Time
	for cursor := latest.Add(interval); !cursor.After(boundary); cursor = cursor.Add(interval) {
		if !cursor.After(now) {
			continue
		}
		planned = append(planned, cursor)
	}
	return planned
}
