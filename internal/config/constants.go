// Package config holds server configuration and the pipeline's tunable
// constants.
package config

import "time"

// Inspection query window defaults.
const (
	// DefaultQueryWindow is the width of the inspection filter window when
	// a caller leaves one or both bounds unset.
	DefaultQueryWindow = 5 * time.Minute
)

// Schedule generation defaults.
const (
	// DefaultHorizon is how far ahead of now inspections are planned.
	DefaultHorizon = 20 * time.Minute

	// DefaultSafetyMargin shrinks the horizon check so a generation pass
	// that lands just before the boundary still tops the schedule up.
	DefaultSafetyMargin = time.Minute

	// DefaultGenerateInterval is how often the schedule worker triggers a
	// generation pass.
	DefaultGenerateInterval = time.Minute
)

// Result ingestion limits.
const (
	// MaxResultBatchRecords caps the number of records accepted in one
	// submission.
	MaxResultBatchRecords = 5000

	// MaxResultBodyBytes caps the request body size of a submission.
	MaxResultBodyBytes = 8 << 20

	// SubmitRatePerSecond is the per-agent sustained submission rate.
	SubmitRatePerSecond = 10

	// SubmitBurst is the per-agent submission burst allowance.
	SubmitBurst = 20
)

// Cache TTLs for API response caching.
const (
	// CacheTTLInspectionList is the TTL for inspection window queries.
	CacheTTLInspectionList = 15 * time.Second

	// CacheTTLAgentList is the TTL for the agent directory listing.
	CacheTTLAgentList = 30 * time.Second
)

// Connection check timeouts.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second
)
