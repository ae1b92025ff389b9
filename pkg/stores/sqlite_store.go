package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/ispflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore persists workflow runs, managed resources and the audit log in SQLite.
// It implements engine.RunStore, lifecycle.Store and lifecycle.Querier.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ engine.RunStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	dsn := s.cfg.Path + "?" + strings.Join(params, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const runColumns = `id, workflow, tenant_id, target_id, phase, idempotency_token, steps, context,
	last_error, cancel_requested, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*engine.WorkflowRun, error) {
	var (
		run         engine.WorkflowRun
		token       sql.NullString
		steps       string
		runCtx      string
		lastError   sql.NullString
		cancel      int
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&run.ID,
		&run.Workflow,
		&run.TenantID,
		&run.TargetID,
		&run.Phase,
		&token,
		&steps,
		&runCtx,
		&lastError,
		&cancel,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.IdempotencyToken = token.String
	run.CancelRequested = cancel != 0
	run.CreatedAt = fromNanos(createdAt)
	run.UpdatedAt = fromNanos(updatedAt)
	run.CompletedAt = fromNullNanos(completedAt)

	if err := json.Unmarshal([]byte(steps), &run.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(runCtx), &run.Context); err != nil {
		return nil, fmt.Errorf("failed to decode context of run %s: %w", run.ID, err)
	}
	if lastError.Valid {
		run.LastError = &engine.RunFailure{}
		if err := json.Unmarshal([]byte(lastError.String), run.LastError); err != nil {
			return nil, fmt.Errorf("failed to decode last error of run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

type encodedRun struct {
	steps     string
	context   string
	lastError sql.NullString
}

func encodeRun(run *engine.WorkflowRun) (*encodedRun, error) {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode steps: %w", err)
	}
	runCtx := run.Context
	if runCtx == nil {
		runCtx = map[string]interface{}{}
	}
	ctxJSON, err := json.Marshal(runCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context: %w", err)
	}
	enc := &encodedRun{steps: string(steps), context: string(ctxJSON)}
	if run.LastError != nil {
		b, err := json.Marshal(run.LastError)
		if err != nil {
			return nil, fmt.Errorf("failed to encode last error: %w", err)
		}
		enc.lastError = sql.NullString{String: string(b), Valid: true}
	}
	return enc, nil
}

func runNotFound(id string) error {
	return engine.NewPermanentError("run not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

// CreateRun inserts a new run and its creation audit entries.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.WorkflowRun, audit ...engine.AuditEntry) error {
	enc, err := encodeRun(run)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM runs WHERE id = ? OR (idempotency_token IS NOT NULL AND idempotency_token = ?)`,
			run.ID, nullString(run.IdempotencyToken),
		).Scan(&existing)
		switch {
		case err == nil:
			return engine.NewConflictError("run or idempotency token already exists", nil).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(existing)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check existing run: %w", err)
		}

		query := `
			INSERT INTO runs (` + runColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, query,
			run.ID,
			run.Workflow,
			run.TenantID,
			run.TargetID,
			run.Phase,
			nullString(run.IdempotencyToken),
			enc.steps,
			enc.context,
			enc.lastError,
			boolToInt(run.CancelRequested),
			toNanos(run.CreatedAt),
			toNanos(run.UpdatedAt),
			toNullNanos(run.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		return appendAudit(ctx, tx, audit...)
	})
}

// SaveRun replaces the mutable part of a run and appends audit entries in one transaction.
// The cancel flag is only ever set, never cleared, by a save.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.WorkflowRun, audit ...engine.AuditEntry) error {
	enc, err := encodeRun(run)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE runs
			SET phase = ?, steps = ?, context = ?, last_error = ?,
				cancel_requested = MAX(cancel_requested, ?),
				updated_at = ?, completed_at = ?
			WHERE id = ?
		`
		result, err := tx.ExecContext(ctx, query,
			run.Phase,
			enc.steps,
			enc.context,
			enc.lastError,
			boolToInt(run.CancelRequested),
			toNanos(run.UpdatedAt),
			toNullNanos(run.CompletedAt),
			run.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return runNotFound(run.ID)
		}
		return appendAudit(ctx, tx, audit...)
	})
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunByToken retrieves the run bound to a caller idempotency token.
func (s *SQLiteStore) GetRunByToken(ctx context.Context, token string) (*engine.WorkflowRun, error) {
	if token == "" {
		return nil, runNotFound("")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE idempotency_token = ?`, token)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("no run bound to token", nil).WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run by token: %w", err)
	}
	return run, nil
}

// RequestCancel sets the cancel flag of a non-terminal run.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var phase engine.RunPhase
		err := tx.QueryRowContext(ctx, `SELECT phase FROM runs WHERE id = ?`, id).Scan(&phase)
		if errors.Is(err, sql.ErrNoRows) {
			return runNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("failed to get run phase: %w", err)
		}
		if phase.IsTerminal() {
			return engine.NewPermanentError("run is not active", nil).
				WithCode(engine.ErrCodeRunNotActive).
				WithResource(id)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET cancel_requested = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to request cancel: %w", err)
		}
		return nil
	})
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Phase    engine.RunPhase
	TargetID string
	Limit    int
	Offset   int
}

// ListRuns lists runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]*engine.WorkflowRun, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR phase = ?)
		  AND (? = '' OR target_id = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`
	return s.queryRuns(ctx, query, f.Phase, f.Phase, f.TargetID, f.TargetID, f.Limit, f.Offset)
}

// ListTerminalRunsBefore returns COMPLETED and COMPENSATED runs that finished before the
// cutoff, oldest first. FAILED_COMPENSATION runs are kept for operators.
func (s *SQLiteStore) ListTerminalRunsBefore(ctx context.Context, before time.Time, limit int) ([]*engine.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE phase IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?
		ORDER BY completed_at ASC
		LIMIT ?
	`
	return s.queryRuns(ctx, query, engine.PhaseCompleted, engine.PhaseCompensated, toNanos(before), limitOrAll(limit))
}

// ListActiveRunsUpdatedBefore returns non-terminal runs whose last persisted transition is
// older than the cutoff, oldest first.
func (s *SQLiteStore) ListActiveRunsUpdatedBefore(ctx context.Context, before time.Time, limit int) ([]*engine.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE phase IN (?, ?, ?) AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`
	return s.queryRuns(ctx, query,
		engine.PhasePending, engine.PhaseRunning, engine.PhaseCompensating,
		toNanos(before), limitOrAll(limit))
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*engine.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.WorkflowRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun purges a terminal run and its audit entries, leaving a single run.purged
// entry behind.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var phase engine.RunPhase
		err := tx.QueryRowContext(ctx, `SELECT phase FROM runs WHERE id = ?`, id).Scan(&phase)
		if errors.Is(err, sql.ErrNoRows) {
			return runNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("failed to get run phase: %w", err)
		}
		if !phase.IsTerminal() {
			return engine.NewConflictError("cannot purge an active run", nil).
				WithCode(engine.ErrCodeConflict).
				WithResource(id)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit WHERE target_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete run audit: %w", err)
		}
		return appendAudit(ctx, tx, engine.AuditEntry{
			Action:    AuditActionRunPurged,
			Actor:     "reconciler",
			TargetID:  id,
			Details:   map[string]interface{}{"phase": string(phase)},
			Timestamp: time.Now(),
		})
	})
}

// ListAudit returns the audit entries of a run or resource, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, targetID string) ([]engine.AuditEntry, error) {
	query := `
		SELECT action, actor, target_id, details, timestamp
		FROM audit
		WHERE target_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []engine.AuditEntry{}
	for rows.Next() {
		var (
			entry   engine.AuditEntry
			details sql.NullString
			ts      int64
		)
		if err := rows.Scan(&entry.Action, &entry.Actor, &entry.TargetID, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = fromNanos(ts)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

func appendAudit(ctx context.Context, tx *sql.Tx, entries ...engine.AuditEntry) error {
	for _, e := range entries {
		var details sql.NullString
		if len(e.Details) > 0 {
			b, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("failed to encode audit details: %w", err)
			}
			details = sql.NullString{String: string(b), Valid: true}
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO audit (action, actor, target_id, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
			e.Action, e.Actor, e.TargetID, details, toNanos(ts),
		)
		if err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
