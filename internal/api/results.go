package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/payeshgar/endpoint-mon/internal/config"
	"github.com/payeshgar/endpoint-mon/internal/ingest"
	"github.com/payeshgar/endpoint-mon/pkg/types"
)

// handleSubmitResults accepts a batch of probe results from an agent.
//
// The caller is identified by its source address; a submission from an
// unregistered address is rejected wholesale. The body is a JSON array of
// result records. With ?validate=1 the batch is checked strictly and
// processed synchronously so per-record problems surface to the caller;
// otherwise it is queued and malformed fields are repaired or dropped during
// processing.
func (s *Server) handleSubmitResults(w http.ResponseWriter, r *http.Request) {
	sourceIP, err := s.sourceIP(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "cannot resolve source address")
		return
	}

	if !s.limiter.Allow(sourceIP) {
		s.writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
		return
	}

	agent, err := s.ingestor.Authenticate(r.Context(), sourceIP)
	if err != nil {
		if errors.Is(err, ingest.ErrUnknownAgent) {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{
				"non_field_error": "there is no agents available with given criteria",
			})
			return
		}
		s.logger.Error("agent lookup failed", "source_ip", sourceIP, "error", err)
		s.writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxResultBodyBytes)

	var records []types.ResultSubmission
	if err := s.readJSON(r, &records); err != nil {
		s.writeError(w, http.StatusBadRequest, "body must be a JSON array of result records")
		return
	}
	if len(records) > config.MaxResultBatchRecords {
		s.writeError(w, http.StatusBadRequest, "too many records in one submission")
		return
	}

	batch := ingest.Batch{
		AgentName:   agent.Name,
		AgentIP:     sourceIP,
		SubmittedAt: time.Now().UTC(),
		Records:     records,
	}

	strict := r.URL.Query().Get("validate") == "1"
	if strict {
		if err := s.validator.ValidateBatch(records); err != nil {
			var verr *ingest.ValidationError
			if errors.As(err, &verr) {
				s.writeJSON(w, http.StatusBadRequest, verr.Records)
				return
			}
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		// Strict callers trade throughput for feedback: the batch is
		// processed on the request path so duplicates and unmatched
		// records come back as warnings.
		_, warnings, err := s.ingestor.Process(r.Context(), batch)
		if err != nil {
			s.logger.Error("synchronous batch processing failed",
				"agent", agent.Name,
				"error", err,
			)
			s.writeError(w, http.StatusInternalServerError, "failed to process results")
			return
		}
		if len(warnings) > 0 {
			s.writeJSON(w, http.StatusOK, map[string]any{"warnings": warnings})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueResultBatch(r.Context(), batch); err != nil {
			s.logger.Error("failed to enqueue result batch",
				"agent", agent.Name,
				"error", err,
			)
			s.writeError(w, http.StatusInternalServerError, "failed to queue results")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	if _, _, err := s.ingestor.Process(r.Context(), batch); err != nil {
		s.logger.Error("batch processing failed",
			"agent", agent.Name,
			"error", err,
		)
		s.writeError(w, http.StatusInternalServerError, "failed to process results")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{})
}
