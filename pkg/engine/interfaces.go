package engine

import (
	"context"
	"time"
)

// RunStore is the durable execution log. Implementations must give read-after-write
// consistency for a single run; cross-run ordering is not required.
type RunStore interface {
	// CreateRun persists a new run together with the audit entries describing its creation.
	// A run bound to an idempotency token that is already taken fails with a conflict error.
	CreateRun(ctx context.Context, run *WorkflowRun, audit ...AuditEntry) error

	// SaveRun replaces the persisted run and appends the audit entries in one transaction.
	SaveRun(ctx context.Context, run *WorkflowRun, audit ...AuditEntry) error

	// GetRun returns the run or an error matching ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)

	// GetRunByToken returns the run bound to an idempotency token or an error matching
	// ErrRunNotFound.
	GetRunByToken(ctx context.Context, token string) (*WorkflowRun, error)

	// RequestCancel sets the cancel flag of a non-terminal run. Terminal runs fail with an
	// error matching ErrRunNotActive.
	RequestCancel(ctx context.Context, runID string) error
}

// Observer receives run lifecycle notifications. Implementations must be cheap and must
// not block; they are called on the worker goroutine.
type Observer interface {
	OnRunStarted(run *WorkflowRun)
	OnStepFinished(run *WorkflowRun, step *StepExecution, duration time.Duration)
	OnRunFinished(run *WorkflowRun, duration time.Duration)
}

// NoopObserver ignores every notification.
type NoopObserver struct{}

func (NoopObserver) OnRunStarted(*WorkflowRun) {}

func (NoopObserver) OnStepFinished(*WorkflowRun, *StepExecution, time.Duration) {}

func (NoopObserver) OnRunFinished(*WorkflowRun, time.Duration) {}

// CompositeObserver fans notifications out to several observers in order.
type CompositeObserver []Observer

func (c CompositeObserver) OnRunStarted(run *WorkflowRun) {
	for _, o := range c {
		o.OnRunStarted(run)
	}
}

func (c CompositeObserver) OnStepFinished(run *WorkflowRun, step *StepExecution, d time.Duration) {
	for _, o := range c {
		o.OnStepFinished(run, step, d)
	}
}

func (c CompositeObserver) OnRunFinished(run *WorkflowRun, d time.Duration) {
	for _, o := range c {
		o.OnRunFinished(run, d)
	}
}
