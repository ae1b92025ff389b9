package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
	"github.com/openfroyo/ispflow/pkg/reconcile"
)

// StartResponse acknowledges an accepted run.
type StartResponse struct {
	RunID string          `json:"run_id"`
	Phase engine.RunPhase `json:"phase"`
}

// RunResponse is a run with its step history and structured failure. Step errors carry the
// engine classification only.
type RunResponse struct {
	ID               string                 `json:"id"`
	Workflow         string                 `json:"workflow_name"`
	TenantID         string                 `json:"tenant_id"`
	TargetID         string                 `json:"target_id"`
	Phase            engine.RunPhase        `json:"phase"`
	IdempotencyToken string                 `json:"idempotency_token,omitempty"`
	Steps            []StepResponse         `json:"steps"`
	Context          map[string]interface{} `json:"context"`
	LastError        *engine.RunFailure     `json:"last_error,omitempty"`
	CancelRequested  bool                   `json:"cancel_requested"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// StepResponse is one step of a RunResponse.
type StepResponse struct {
	Name           string            `json:"name"`
	Status         engine.StepStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key"`
	Error          *ErrorBody        `json:"error,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	RetryCount     int               `json:"retry_count"`
}

// LifecycleResponse is a resource and its transitions, oldest first.
type LifecycleResponse struct {
	Resource *lifecycle.Resource    `json:"resource"`
	History  []lifecycle.Transition `json:"history"`
}

// FindingsResponse lists findings detected after Since.
type FindingsResponse struct {
	Since    time.Time           `json:"since"`
	Findings []reconcile.Finding `json:"findings"`
}

func newRunResponse(run *engine.WorkflowRun) RunResponse {
	resp := RunResponse{
		ID:               run.ID,
		Workflow:         run.Workflow,
		TenantID:         run.TenantID,
		TargetID:         run.TargetID,
		Phase:            run.Phase,
		IdempotencyToken: run.IdempotencyToken,
		Steps:            make([]StepResponse, 0, len(run.Steps)),
		Context:          run.Context,
		LastError:        run.LastError,
		CancelRequested:  run.CancelRequested,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
		CompletedAt:      run.CompletedAt,
	}
	for _, st := range run.Steps {
		sr := StepResponse{
			Name:           st.Name,
			Status:         st.Status,
			IdempotencyKey: st.IdempotencyKey,
			StartedAt:      st.StartedAt,
			EndedAt:        st.EndedAt,
			RetryCount:     st.RetryCount,
		}
		if st.Error != nil {
			sr.Error = &ErrorBody{Class: string(st.Error.Class), Code: st.Error.Code, Message: st.Error.Message}
		}
		resp.Steps = append(resp.Steps, sr)
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("Health check failed")
			s.sendError(w, http.StatusServiceUnavailable, ErrorBody{Code: "UNHEALTHY", Message: "service unavailable"})
			return
		}
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, ErrorBody{
			Code:    engine.ErrCodeValidation,
			Message: fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	run, err := s.engine.Start(r.Context(), req)
	if err != nil {
		s.sendEngineError(w, err, run)
		return
	}
	s.sendJSON(w, http.StatusAccepted, StartResponse{RunID: run.ID, Phase: run.Phase})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.sendEngineError(w, err, nil)
		return
	}
	s.sendJSON(w, http.StatusOK, newRunResponse(run))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.engine.Cancel(r.Context(), runID); err != nil {
		s.sendEngineError(w, err, nil)
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":           runID,
		"cancel_requested": true,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Resume(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.sendEngineError(w, err, nil)
		return
	}
	s.sendJSON(w, http.StatusAccepted, StartResponse{RunID: run.ID, Phase: run.Phase})
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if s.resources == nil {
		s.sendNotImplemented(w)
		return
	}
	id := chi.URLParam(r, "resourceID")
	res, err := s.resources.Get(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, err, nil)
		return
	}
	history, err := s.resources.History(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, err, nil)
		return
	}
	if history == nil {
		history = []lifecycle.Transition{}
	}
	s.sendJSON(w, http.StatusOK, LifecycleResponse{Resource: res, History: history})
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	if s.findings == nil {
		s.sendNotImplemented(w)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, ErrorBody{
				Code:    engine.ErrCodeValidation,
				Message: "since must be an RFC3339 timestamp",
			})
			return
		}
		since = t
	}
	found := s.findings.Findings(since)
	if found == nil {
		found = []reconcile.Finding{}
	}
	s.sendJSON(w, http.StatusOK, FindingsResponse{Since: since, Findings: found})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.snapshot == nil {
		s.sendNotImplemented(w)
		return
	}
	snap, err := s.snapshot.Snapshot()
	if err != nil {
		s.sendEngineError(w, err, nil)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

func (s *Server) sendNotImplemented(w http.ResponseWriter) {
	s.sendError(w, http.StatusNotImplemented, ErrorBody{Code: "NOT_IMPLEMENTED", Message: "endpoint not enabled"})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// errorResponse wraps every error body.
type errorResponse struct {
	Error ErrorBody `json:"error"`
}

func (s *Server) sendError(w http.ResponseWriter, status int, body ErrorBody) {
	s.sendJSON(w, status, errorResponse{Error: body})
}

func (s *Server) sendEngineError(w http.ResponseWriter, err error, run *engine.WorkflowRun) {
	status, body := classify(err)
	if run != nil {
		body.RunID = run.ID
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	s.sendError(w, status, body)
}
