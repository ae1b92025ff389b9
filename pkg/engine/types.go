package engine

import (
	"time"
)

// WorkflowRun represents one attempt to execute a workflow definition for one target.
type WorkflowRun struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Workflow is the name of the workflow definition being executed.
	Workflow string `json:"workflow_name"`

	// TenantID identifies the tenant that owns the target.
	TenantID string `json:"tenant_id"`

	// TargetID identifies the target (usually a subscriber) the run operates on.
	// Concurrent runs on the same target are serialized by the target lock.
	TargetID string `json:"target_id"`

	// Phase is the current phase of the run.
	Phase RunPhase `json:"phase"`

	// IdempotencyToken is the optional caller-supplied token binding retries of the same
	// request to this run.
	IdempotencyToken string `json:"idempotency_token,omitempty"`

	// Steps holds one execution record per workflow step, in definition order.
	Steps []StepExecution `json:"steps"`

	// Context is the input payload supplied by the caller and extended by successful steps.
	Context map[string]interface{} `json:"context"`

	// LastError is the structured reason for the most recent failure, if any.
	LastError *RunFailure `json:"last_error,omitempty"`

	// CancelRequested is set when a caller asked the run to stop. It is observed at step
	// boundaries only.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// CreatedAt is when the run was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is refreshed on every persisted transition.
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the run reached a terminal phase.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step returns the execution record for the named step.
func (r *WorkflowRun) Step(name string) *StepExecution {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the run suitable for handing to callers.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = make([]StepExecution, len(r.Steps))
	for i, s := range r.Steps {
		s.Result = cloneMap(s.Result)
		c.Steps[i] = s
	}
	c.Context = cloneMap(r.Context)
	if r.LastError != nil {
		e := *r.LastError
		c.LastError = &e
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StepExecution records one step's attempt within a run.
type StepExecution struct {
	// Name is the registered step name.
	Name string `json:"name"`

	// Sequence is the 1-based position of the step in the workflow.
	Sequence int `json:"sequence"`

	// Status is the current status of the step.
	Status StepStatus `json:"status"`

	// IdempotencyKey is derived from the run id and step name. Every retry of the step
	// reuses it.
	IdempotencyKey string `json:"idempotency_key"`

	// Result is the payload returned by the forward action, merged into the run context.
	Result map[string]interface{} `json:"result,omitempty"`

	// Error is the classified error detail of the forward or compensating action.
	Error *EngineError `json:"error,omitempty"`

	// StartedAt is when the forward action was first invoked.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the step reached its latest outcome.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// RetryCount is the number of forward retries after the first attempt.
	RetryCount int `json:"retry_count"`

	// CompensationRetryCount is the number of compensation retries after the first attempt.
	CompensationRetryCount int `json:"compensation_retry_count,omitempty"`
}

// RunFailure is the caller-facing reason for a failed run. It never carries the raw error
// body returned by a collaborator.
type RunFailure struct {
	// Step is the step whose failure started compensation, empty for cancellations.
	Step string `json:"step,omitempty"`

	// Class is the error classification of the failure.
	Class ErrorClass `json:"class"`

	// Code is the error code of the failure.
	Code string `json:"code,omitempty"`

	// Reason is a short human-readable description.
	Reason string `json:"reason"`

	// Compensated reports whether automatic compensation succeeded.
	Compensated bool `json:"compensated"`

	// PendingCleanup lists the steps whose effects were left in place and need an operator.
	PendingCleanup []string `json:"pending_cleanup,omitempty"`
}

// StartRequest is the input to Engine.Start.
type StartRequest struct {
	// Workflow is the workflow definition name.
	Workflow string `json:"workflow_name" validate:"required"`

	// TenantID identifies the owning tenant.
	TenantID string `json:"tenant_id" validate:"required,max=128"`

	// TargetID identifies the target resource, used as the lock key.
	TargetID string `json:"target_id" validate:"required,max=128"`

	// Context is the initial run context.
	Context map[string]interface{} `json:"context"`

	// IdempotencyToken optionally binds the request to a single run.
	IdempotencyToken string `json:"idempotency_token,omitempty" validate:"omitempty,max=256"`
}

// AuditEntry is an append-only record of a run phase or step transition.
type AuditEntry struct {
	// Action names the transition, e.g. "run.phase" or "step.status".
	Action string `json:"action"`

	// Actor is the component that performed the transition.
	Actor string `json:"actor"`

	// TargetID is the run or resource id the entry applies to.
	TargetID string `json:"target_id"`

	// Details carries transition specifics.
	Details map[string]interface{} `json:"details,omitempty"`

	// Timestamp is when the transition happened.
	Timestamp time.Time `json:"timestamp"`
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
