package stores

import (
	"database/sql"
	"time"

	"github.com/openfroyo/ispflow/pkg/engine"
)

// Audit actions written by the store itself. Run actions come from the engine.
const (
	// AuditActionResourceTransition records one lifecycle transition of a managed resource.
	AuditActionResourceTransition = "resource.transition"

	// AuditActionRunPurged records that a run left the execution log for the archive.
	AuditActionRunPurged = "run.purged"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// ArchivedRun is the record written to the archival sink before a run is purged.
type ArchivedRun struct {
	Run        *engine.WorkflowRun `json:"run"`
	Audit      []engine.AuditEntry `json:"audit,omitempty"`
	ArchivedAt time.Time           `json:"archived_at"`
}

// Timestamps are persisted as unix nanoseconds so range predicates compare numerically.

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
