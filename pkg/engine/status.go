package engine

import (
	"encoding/json"
	"fmt"
)

// RunPhase represents the overall phase of a workflow run.
type RunPhase string

const (
	// PhasePending indicates the run is persisted and queued but no step has started.
	PhasePending RunPhase = "PENDING"

	// PhaseRunning indicates forward execution is in progress.
	PhaseRunning RunPhase = "RUNNING"

	// PhaseCompleted indicates every step succeeded.
	PhaseCompleted RunPhase = "COMPLETED"

	// PhaseCompensating indicates a step failed (or the run was cancelled) and
	// already-applied steps are being undone in reverse order.
	PhaseCompensating RunPhase = "COMPENSATING"

	// PhaseCompensated indicates all required compensations succeeded.
	PhaseCompensated RunPhase = "COMPENSATED"

	// PhaseFailedCompensation indicates a non-best-effort compensation exhausted its retries.
	// It is never resolved automatically.
	PhaseFailedCompensation RunPhase = "FAILED_COMPENSATION"
)

// IsTerminal returns true if the phase is final.
func (p RunPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseCompensated || p == PhaseFailedCompensation
}

// IsActive returns true if the run still has work to do.
func (p RunPhase) IsActive() bool {
	return p == PhasePending || p == PhaseRunning || p == PhaseCompensating
}

// CanTransitionTo reports whether moving from p to next is a legal phase change.
func (p RunPhase) CanTransitionTo(next RunPhase) bool {
	switch p {
	case PhasePending:
		return next == PhaseRunning
	case PhaseRunning:
		return next == PhaseCompleted || next == PhaseCompensating
	case PhaseCompensating:
		return next == PhaseCompensated || next == PhaseFailedCompensation
	default:
		return false
	}
}

// Validate checks if the run phase is valid.
func (p RunPhase) Validate() error {
	switch p {
	case PhasePending, PhaseRunning, PhaseCompleted,
		PhaseCompensating, PhaseCompensated, PhaseFailedCompensation:
		return nil
	default:
		return fmt.Errorf("invalid run phase: %s", p)
	}
}

// MarshalJSON implements json.Marshaler for RunPhase.
func (p RunPhase) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

// UnmarshalJSON implements json.Unmarshaler for RunPhase.
func (p *RunPhase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	phase := RunPhase(s)
	if err := phase.Validate(); err != nil {
		return err
	}
	*p = phase
	return nil
}

// StepStatus represents the status of one step within a run.
type StepStatus string

const (
	// StepPending indicates the step has not produced an outcome yet.
	StepPending StepStatus = "PENDING"

	// StepSucceeded indicates the forward action succeeded.
	StepSucceeded StepStatus = "SUCCEEDED"

	// StepFailed indicates the forward action failed after retries.
	StepFailed StepStatus = "FAILED"

	// StepCompensated indicates the compensating action undid the step.
	StepCompensated StepStatus = "COMPENSATED"

	// StepCompensationFailed indicates the compensating action failed.
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"

	// StepSkipped indicates the step was never invoked.
	StepSkipped StepStatus = "SKIPPED"
)

// IsTerminal returns true if the step status will not change again.
func (s StepStatus) IsTerminal() bool {
	return s == StepFailed || s == StepCompensated ||
		s == StepCompensationFailed || s == StepSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepPending, StepSucceeded, StepFailed,
		StepCompensated, StepCompensationFailed, StepSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}
