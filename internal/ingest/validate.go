package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// =============================================================================
// STRICT VALIDATION
// =============================================================================

// FieldErrors maps a field name to the problems found with its value,
// mirroring the response body shape of a rejected batch.
type FieldErrors map[string][]string

// ValidationError rejects a whole batch in strict mode. Records holds one
// field-error map per submitted record, empty maps for clean records, so the
// caller can line errors up with its input by position.
type ValidationError struct {
	Records []FieldErrors
}

func (e *ValidationError) Error() string {
	var parts []string
	for n, fe := range e.Records {
		for field, msgs := range fe {
			parts = append(parts, fmt.Sprintf("record %d: %s: %s", n, field, strings.Join(msgs, "; ")))
		}
	}
	return "invalid submission: " + strings.Join(parts, ", ")
}

// strictRecord is the fully-typed view of a submission record that strict
// mode checks. Field names here become the keys of the error map, so they
// carry the wire names.
type strictRecord struct {
	Inspection       string   `validate:"required_without=InspectionTask,omitempty,uuid4"`
	InspectionTask   string   `validate:"omitempty,uuid4"`
	ConnectionStatus string   `validate:"required,oneof=SUCCEED TIMED-OUT CONN-FAILED"`
	StatusCode       *int     `validate:"omitempty,min=100,max=599"`
	ResponseTime     *float64 `validate:"omitempty,min=0"`
	ByteReceived     *int64   `validate:"omitempty,min=0"`
}

// Validator checks submitted batches in strict mode.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a batch validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateBatch checks every record of a batch and returns a ValidationError
// listing every offense found, or nil when the batch is clean. Unlike
// lenient coercion nothing is repaired: a malformed optional field is an
// error here, not a null.
func (v *Validator) ValidateBatch(records []types.ResultSubmission) error {
	errs := make([]FieldErrors, len(records))
	dirty := false

	for n, rec := range records {
		fe := FieldErrors{}

		strict := strictRecord{
			Inspection:       rec.InspectionID,
			InspectionTask:   rec.TaskID,
			ConnectionStatus: rec.ConnectionStatus,
		}

		var err error
		if strict.StatusCode, err = parseStatusCode(rec.StatusCode); err != nil {
			fe["status_code"] = append(fe["status_code"], err.Error())
		}
		if strict.ResponseTime, err = parseResponseTime(rec.ResponseTime); err != nil {
			fe["response_time"] = append(fe["response_time"], err.Error())
		}
		if strict.ByteReceived, err = parseByteReceived(rec.ByteReceived); err != nil {
			fe["byte_received"] = append(fe["byte_received"], err.Error())
		}

		if err := v.validate.Struct(strict); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, ve := range verrs {
					field := wireField(ve.Field())
					fe[field] = append(fe[field], fieldMessage(ve))
				}
			} else {
				fe["non_field_error"] = append(fe["non_field_error"], err.Error())
			}
		}

		if len(fe) > 0 {
			dirty = true
		}
		errs[n] = fe
	}

	if !dirty {
		return nil
	}
	return &ValidationError{Records: errs}
}

// wireField maps a strictRecord field name to its wire name.
func wireField(name string) string {
	switch name {
	case "Inspection":
		return "inspection"
	case "InspectionTask":
		return "inspection_task"
	case "ConnectionStatus":
		return "connection_status"
	case "StatusCode":
		return "status_code"
	case "ResponseTime":
		return "response_time"
	case "ByteReceived":
		return "byte_received"
	}
	return name
}

func fieldMessage(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required", "required_without":
		return "this field is required"
	case "uuid4":
		return "must be a valid UUID"
	case "oneof":
		return fmt.Sprintf("must be one of %s", strings.ReplaceAll(ve.Param(), " ", ", "))
	case "min":
		return fmt.Sprintf("must be at least %s", ve.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", ve.Param())
	}
	return fmt.Sprintf("failed %s validation", ve.Tag())
}

// =============================================================================
// LENIENT COERCION
// =============================================================================

// maxResponseTime is the largest response time storage holds; the column is
// NUMERIC(6,3) seconds.
const maxResponseTime = 999.999

// CoerceSubmission turns one submitted record into a result row, repairing
// what it can: malformed optional measurements become null, numeric strings
// are accepted, response times are truncated to millisecond precision, and
// out-of-range measurements are dropped to null rather than handed to
// storage where a constraint would fail the whole batch. The only
// unrepairable field is connection_status; ok is false when it carries
// a value outside the enumeration, or when the record references neither an
// inspection nor a task by a usable identifier.
func CoerceSubmission(rec types.ResultSubmission, agentName, agentIP string, submittedAt time.Time) (*types.InspectionResult, bool) {
	status := types.ConnectionStatus(strings.ToUpper(strings.TrimSpace(rec.ConnectionStatus)))
	if !status.Valid() {
		return nil, false
	}

	result := &types.InspectionResult{
		ID:               uuid.NewString(),
		InspectionID:     coerceUUID(rec.InspectionID),
		TaskID:           coerceUUID(rec.TaskID),
		AgentName:        agentName,
		AgentIP:          agentIP,
		Kind:             types.ResultKindHTTP,
		ConnectionStatus: status,
		SubmittedAt:      submittedAt,
	}
	if result.InspectionID == "" && result.TaskID == "" {
		return nil, false
	}

	if code, err := parseStatusCode(rec.StatusCode); err == nil {
		result.StatusCode = code
	}
	if rt, err := parseResponseTime(rec.ResponseTime); err == nil {
		if rt == nil || (*rt >= 0 && *rt <= maxResponseTime) {
			result.ResponseTime = rt
		}
	}
	if br, err := parseByteReceived(rec.ByteReceived); err == nil {
		if br == nil || *br >= 0 {
			result.ByteReceived = br
		}
	}

	return result, true
}

// coerceUUID returns the identifier when it parses as a UUID, empty otherwise.
func coerceUUID(s string) string {
	if s == "" {
		return ""
	}
	if _, err := uuid.Parse(s); err != nil {
		return ""
	}
	return s
}

// =============================================================================
// FIELD PARSERS
// =============================================================================

// parseStatusCode accepts a JSON number or a numeric string, agents have
// historically sent both.
func parseStatusCode(raw json.RawMessage) (*int, error) {
	s, ok := rawScalar(raw)
	if !ok {
		return nil, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("%q is not a valid status code", s)
	}
	return &code, nil
}

// parseResponseTime accepts a JSON number or a numeric string, in seconds.
// The value is truncated to millisecond precision to match storage.
func parseResponseTime(raw json.RawMessage) (*float64, error) {
	s, ok := rawScalar(raw)
	if !ok {
		return nil, nil
	}
	rt, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(rt) || math.IsInf(rt, 0) {
		return nil, fmt.Errorf("%q is not a valid response time", s)
	}
	rt = math.Trunc(rt*1000) / 1000
	return &rt, nil
}

func parseByteReceived(raw json.RawMessage) (*int64, error) {
	s, ok := rawScalar(raw)
	if !ok {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%q is not a valid byte count", s)
	}
	return &n, nil
}

// rawScalar unquotes a raw JSON value down to its scalar text. Returns
// ok=false for absent or null values, which parse to nil without error.
// Non-scalar JSON comes back as its raw text and fails the numeric parse.
func rawScalar(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s == "" {
				return "", false
			}
			return s, true
		}
	}
	return string(raw), true
}
