package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// INSPECTION
// =============================================================================

// Inspection is one unit of scheduled monitoring work: one endpoint checked
// at one point in time by however many agents the policy selects.
//
// The (endpoint, timestamp) pair is unique; the schedule generator relies on
// that constraint to stay idempotent under concurrent runs.
type Inspection struct {
	ID         string           `json:"id"`
	EndpointID string           `json:"endpoint_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Status     InspectionStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Took is the wall-clock span between creation and the last task
	// reaching a terminal state, in whole seconds. Set once, on FINISHED.
	Took *int64 `json:"took,omitempty"`

	Tasks []InspectionTask `json:"tasks,omitempty"`
}

// InspectionStatus is the aggregate state of an inspection.
//
// PENDING --(all tasks terminal)--> FINISHED. No transitions out of FINISHED.
type InspectionStatus string

const (
	InspectionPending  InspectionStatus = "PENDING"
	InspectionFinished InspectionStatus = "FINISHED"
)

// =============================================================================
// TASK
// =============================================================================

// InspectionTask is one agent's assignment to execute one inspection.
// There is exactly one task per (inspection, agent) selected at fan-out time.
type InspectionTask struct {
	ID           string     `json:"id"`
	InspectionID string     `json:"inspection_id"`
	AgentName    string     `json:"agent"`
	Status       TaskStatus `json:"status"`

	// Error holds the connection failure reason; present only when FAILED.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Took       *int64     `json:"took,omitempty"`

	Agent  *Agent            `json:"agent_detail,omitempty"`
	Result *InspectionResult `json:"result,omitempty"`
}

// TaskStatus is the state of a single agent assignment.
//
// PENDING --(result, success)--> SUCCEED
// PENDING --(result, failure)--> FAILED
// A task leaves PENDING exactly once; later results for it are discarded.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskSucceed TaskStatus = "SUCCEED"
	TaskFailed  TaskStatus = "FAILED"
)

// Terminal reports whether the status is SUCCEED or FAILED.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceed || s == TaskFailed
}

// =============================================================================
// RESULT
// =============================================================================

// ResultKind tags the protocol variant of a result. Only HTTP exists today;
// TCP or DNS results would be added as new kinds without touching ingestion
// or aggregation.
type ResultKind string

const (
	ResultKindHTTP ResultKind = "http"
)

// ConnectionStatus is the outcome an agent reports for a probe connection.
type ConnectionStatus string

const (
	// ConnSucceed - the agent received a valid HTTP response.
	ConnSucceed ConnectionStatus = "SUCCEED"
	// ConnTimedOut - no valid response because of a timeout.
	ConnTimedOut ConnectionStatus = "TIMED-OUT"
	// ConnFailed - no valid response for any reason other than timeout.
	ConnFailed ConnectionStatus = "CONN-FAILED"
)

// Valid reports whether the status is one of the enumerated values.
func (c ConnectionStatus) Valid() bool {
	return c == ConnSucceed || c == ConnTimedOut || c == ConnFailed
}

// InspectionResult is the outcome one agent reported for one inspection.
//
// At most one result exists per (inspection, reporting agent address); a
// second submission for the same pair is discarded, never overwritten.
// Results are immutable after creation.
type InspectionResult struct {
	ID           string `json:"id"`
	InspectionID string `json:"inspection_id"`
	TaskID       string `json:"inspection_task_id,omitempty"`

	AgentName string `json:"agent"`
	AgentIP   string `json:"agent_ip"`

	Kind             ResultKind       `json:"kind"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`

	// StatusCode holds the HTTP response code, null when no response came back.
	StatusCode *int `json:"status_code,omitempty"`
	// ResponseTime is the full response time in seconds, 3 decimal places.
	ResponseTime *float64 `json:"response_time,omitempty"`
	// ByteReceived is the response size, null when no response came back.
	ByteReceived *int64 `json:"byte_received,omitempty"`

	// SubmittedAt is the server receipt time, shared by the whole batch.
	SubmittedAt time.Time `json:"submitted_at"`
}

// Succeeded reports whether the probe connection succeeded.
func (r *InspectionResult) Succeeded() bool {
	return r.ConnectionStatus == ConnSucceed
}

// Metrics returns the numeric measurements of the result, keyed by name.
// Absent measurements are omitted.
func (r *InspectionResult) Metrics() map[string]float64 {
	m := make(map[string]float64, 3)
	if r.StatusCode != nil {
		m["status_code"] = float64(*r.StatusCode)
	}
	if r.ResponseTime != nil {
		m["response_time"] = *r.ResponseTime
	}
	if r.ByteReceived != nil {
		m["byte_received"] = float64(*r.ByteReceived)
	}
	return m
}

// FailureReason renders the connection status as a task error message.
// Empty for successful connections.
func (r *InspectionResult) FailureReason() string {
	if r.Succeeded() {
		return ""
	}
	return fmt.Sprintf("connection %s", r.ConnectionStatus)
}

// =============================================================================
// SUBMISSION
// =============================================================================

// ResultSubmission is one record of a result batch as submitted by an agent.
//
// The optional numeric fields are raw JSON on purpose: in lenient mode a
// malformed value is coerced to null rather than rejecting the batch, so
// decoding must not fail on garbage. Strict mode re-checks every field and
// rejects the whole batch on the first offense.
type ResultSubmission struct {
	InspectionID string `json:"inspection"`
	TaskID       string `json:"inspection_task,omitempty"`

	ConnectionStatus string          `json:"connection_status"`
	StatusCode       json.RawMessage `json:"status_code,omitempty"`
	ResponseTime     json.RawMessage `json:"response_time,omitempty"`
	ByteReceived     json.RawMessage `json:"byte_received,omitempty"`
}
