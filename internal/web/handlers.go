package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lucasnoah/mergefactory/internal/ingress"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
	"github.com/lucasnoah/mergefactory/internal/registry"
	"github.com/lucasnoah/mergefactory/internal/telemetry"
)

// maxWebhookBody caps webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// handleWebhook accepts a provider delivery. The response acknowledges
// receipt only; processing is asynchronous. Duplicates and ignored event
// types are acknowledged with 200 so the provider stops retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read payload")
		return
	}

	ev, err := s.ingress.Ingest(r.Context(), provider, payload, r.Header)
	switch {
	case err == nil:
	case errors.Is(err, ingress.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	case errors.Is(err, ingress.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	case errors.Is(err, ingress.ErrDuplicateDelivery):
		telemetry.Count(r.Context(), s.metrics.Deduped)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	case errors.Is(err, ingress.ErrIgnoredEvent):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	default:
		s.logger.Error("webhook ingest", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	if err := s.submit.Submit(ev); err != nil {
		// Release the dedupe record, or the provider's retry of this
		// delivery ID would be acknowledged as a duplicate and the event
		// lost for good.
		if ferr := s.ingress.Forget(r.Context(), ev.DedupeKey); ferr != nil {
			s.logger.Error("forget delivery", "delivery", ev.DedupeKey, "error", ferr)
		}
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"event":  ev.Type,
		"repo":   ev.Repo,
		"pr":     ev.PRNumber,
	})
}

type createRunRequest struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	run, err := s.control.CreateAgentRun(r.Context(), req.ProjectID, req.Prompt)
	if err != nil {
		s.logger.Error("create run", "error", err)
		writeError(w, http.StatusBadGateway, "create run failed")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.reg.GetAgentRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := pipeline.RunStatus(r.URL.Query().Get("status"))
	runs, err := s.reg.ListAgentRuns(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListValidations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("active") == "true" {
		runs, err := s.reg.ListActive(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"validations": runs})
		return
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.reg.ListValidationRuns(r.Context(), q.Get("repo"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"validations": runs})
}

func (s *Server) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	run, err := s.reg.GetValidationRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "validation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleValidationEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.reg.GetValidationRun(r.Context(), id); errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "validation not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	events, err := s.reg.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelValidation(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = decodeJSON(r, &req) // body is optional
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}

	out, err := s.control.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "validation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if out.Discard {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "not cancellable", "reason": out.Reason})
		return
	}
	writeJSON(w, http.StatusOK, out.Run)
}

// handleRetryValidation reopens validation for a finished run's PR and commit.
// Terminal runs are immutable; a retry is a fresh run, scheduled through the
// same path a provider webhook would take.
func (s *Server) handleRetryValidation(w http.ResponseWriter, r *http.Request) {
	run, err := s.reg.GetValidationRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "validation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !run.Stage.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "still active", "stage": string(run.Stage)})
		return
	}

	ev := &pipeline.Event{
		Source:     pipeline.SourceTimer,
		Type:       pipeline.EventPRUpdated,
		Repo:       run.Repo,
		PRNumber:   run.PRNumber,
		CommitSHA:  run.CommitSHA,
		DedupeKey:  "retry-" + run.ID,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.submit.Submit(ev); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "retry scheduled",
		"repo":   run.Repo,
		"pr":     run.PRNumber,
		"commit": run.CommitSHA,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
