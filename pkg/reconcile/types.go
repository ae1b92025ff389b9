// Package reconcile implements the periodic sweep that finds resources and runs left in an
// inconsistent state by crashes, timeouts or external outages, and either repairs them or
// raises an operator alert.
package reconcile

import (
	"context"
	"time"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
)

// Kind is the anomaly a finding reports.
type Kind string

const (
	// KindStuckAllocated is a resource that stayed ALLOCATED past the leak threshold.
	KindStuckAllocated Kind = "STUCK_ALLOCATED"

	// KindStuckRevoking is a resource that stayed REVOKING past the stuck threshold.
	KindStuckRevoking Kind = "STUCK_REVOKING"

	// KindOrphanedRun is a non-terminal run that nobody has advanced past the orphan
	// threshold.
	KindOrphanedRun Kind = "ORPHANED_RUN"
)

// Action is what the controller did about a finding.
type Action string

const (
	ActionAutoRepaired Action = "AUTO_REPAIRED"
	ActionAlerted      Action = "ALERTED"
	ActionNone         Action = "NONE"
)

// Finding is an ephemeral sweep result. It lives in the in-memory ring, the alert pipeline
// and the metrics; it is never persisted.
type Finding struct {
	SubjectID  string        `json:"subject_id"`
	Kind       Kind          `json:"kind"`
	Age        time.Duration `json:"age"`
	Action     Action        `json:"action"`
	Detail     string        `json:"detail,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Thresholds are the global ages after which a state is considered anomalous.
type Thresholds struct {
	// LeakThreshold is how long a resource may stay ALLOCATED.
	LeakThreshold time.Duration `yaml:"leak_threshold" json:"leak_threshold" validate:"gt=0"`

	// StuckRevokeThreshold is how long a resource may stay REVOKING.
	StuckRevokeThreshold time.Duration `yaml:"stuck_revoke_threshold" json:"stuck_revoke_threshold" validate:"gt=0"`

	// Retention is how long terminal runs stay in hot storage.
	Retention time.Duration `yaml:"retention" json:"retention" validate:"gt=0"`

	// OrphanThreshold is how long a non-terminal run may go without a persisted
	// transition.
	OrphanThreshold time.Duration `yaml:"orphan_threshold" json:"orphan_threshold" validate:"gt=0"`
}

// DefaultThresholds returns 24h, 1h, 90 days and 1h.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LeakThreshold:        24 * time.Hour,
		StuckRevokeThreshold: time.Hour,
		Retention:            90 * 24 * time.Hour,
		OrphanThreshold:      time.Hour,
	}
}

// Config tunes the controller.
type Config struct {
	Thresholds `yaml:",inline"`

	// HotInterval drives the stuck resource and orphaned run checks.
	HotInterval time.Duration `yaml:"hot_interval" json:"hot_interval"`

	// ColdInterval drives the retention purge.
	ColdInterval time.Duration `yaml:"cold_interval" json:"cold_interval"`

	// BatchSize caps the items one check handles per sweep.
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"gte=0"`

	// RingSize bounds the findings kept for Findings.
	RingSize int `yaml:"ring_size" json:"ring_size" validate:"gte=0"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:   DefaultThresholds(),
		HotInterval:  5 * time.Minute,
		ColdInterval: 24 * time.Hour,
		BatchSize:    500,
		RingSize:     1024,
	}
}

// Releaser performs the external release of one resource kind. It must be idempotent.
type Releaser interface {
	Release(ctx context.Context, r *lifecycle.Resource) error
}

// ReleaserFunc adapts a function to Releaser.
type ReleaserFunc func(ctx context.Context, r *lifecycle.Resource) error

func (f ReleaserFunc) Release(ctx context.Context, r *lifecycle.Resource) error { return f(ctx, r) }

// RunStore is the slice of the execution log the controller reads and purges.
type RunStore interface {
	ListTerminalRunsBefore(ctx context.Context, before time.Time, limit int) ([]*engine.WorkflowRun, error)
	ListActiveRunsUpdatedBefore(ctx context.Context, before time.Time, limit int) ([]*engine.WorkflowRun, error)
	ListAudit(ctx context.Context, targetID string) ([]engine.AuditEntry, error)
	DeleteRun(ctx context.Context, runID string) error
}

// Archive receives terminal runs before they are purged.
type Archive interface {
	Archive(ctx context.Context, run *engine.WorkflowRun, audit []engine.AuditEntry) error
}

// SweepObserver is told about the findings of every hot sweep.
type SweepObserver interface {
	RecordSweep(findings []Finding)
}

// ExecutionChecker reports runs currently executing in this process.
type ExecutionChecker interface {
	IsExecuting(runID string) bool
}

// Report summarises one sweep.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Findings   []Finding     `json:"findings"`
	Purged     int           `json:"purged"`
	ItemErrors int           `json:"item_errors"`
}
