package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRun(id string, phase engine.RunPhase, at time.Time) *engine.WorkflowRun {
	return &engine.WorkflowRun{
		ID:       id,
		Workflow: "provision",
		TenantID: "tenant-1",
		TargetID: "sub-" + id,
		Phase:    phase,
		Steps: []engine.StepExecution{
			{Name: "create-billing-subscription", Sequence: 1, Status: engine.StepPending, IdempotencyKey: "k1"},
			{Name: "create-network-credential", Sequence: 2, Status: engine.StepPending, IdempotencyKey: "k2"},
		},
		Context:   map[string]interface{}{"plan": "fiber-1g"},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "managed_resources", "audit"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("re-running migrations failed: %v", err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	run := testRun("run-001", engine.PhasePending, now)
	run.IdempotencyToken = "token-1"
	created := engine.AuditEntry{Action: "run.created", Actor: "engine", TargetID: run.ID, Timestamp: now}
	if err := store.CreateRun(ctx, run, created); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Phase != engine.PhasePending || got.TargetID != run.TargetID || got.IdempotencyToken != "token-1" {
		t.Errorf("unexpected run: %+v", got)
	}
	if len(got.Steps) != 2 || got.Steps[1].IdempotencyKey != "k2" {
		t.Errorf("steps not round-tripped: %+v", got.Steps)
	}
	if got.Context["plan"] != "fiber-1g" {
		t.Errorf("context not round-tripped: %v", got.Context)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, got.CreatedAt)
	}

	// Save a terminal outcome.
	done := now.Add(time.Second)
	run.Phase = engine.PhaseCompensated
	run.Steps[0].Status = engine.StepCompensated
	run.Steps[1].Status = engine.StepFailed
	run.Steps[1].Error = engine.NewPermanentError("rejected", nil).WithCode(engine.ErrCodeValidation)
	run.LastError = &engine.RunFailure{
		Step:        "create-network-credential",
		Class:       engine.ErrorClassPermanent,
		Code:        engine.ErrCodeValidation,
		Reason:      "rejected",
		Compensated: true,
	}
	run.UpdatedAt = done
	run.CompletedAt = &done
	phase := engine.AuditEntry{
		Action:   "run.phase",
		Actor:    "engine",
		TargetID: run.ID,
		Details:  map[string]interface{}{"to": "COMPENSATED"},
	}
	if err := store.SaveRun(ctx, run, phase); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Phase != engine.PhaseCompensated {
		t.Errorf("expected phase COMPENSATED, got %s", got.Phase)
	}
	if got.LastError == nil || got.LastError.Step != "create-network-credential" || !got.LastError.Compensated {
		t.Errorf("unexpected last error: %+v", got.LastError)
	}
	if got.Steps[1].Error == nil || got.Steps[1].Error.Code != engine.ErrCodeValidation {
		t.Errorf("unexpected step error: %+v", got.Steps[1].Error)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("unexpected completed_at: %v", got.CompletedAt)
	}

	byToken, err := store.GetRunByToken(ctx, "token-1")
	if err != nil {
		t.Fatalf("failed to get run by token: %v", err)
	}
	if byToken.ID != run.ID {
		t.Errorf("expected run %s, got %s", run.ID, byToken.ID)
	}

	audit, err := store.ListAudit(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list audit: %v", err)
	}
	if len(audit) != 2 || audit[0].Action != "run.created" || audit[1].Details["to"] != "COMPENSATED" {
		t.Errorf("unexpected audit trail: %+v", audit)
	}
}

func TestRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := store.GetRunByToken(ctx, "missing"); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound for token, got %v", err)
	}
	if err := store.SaveRun(ctx, testRun("missing", engine.PhaseRunning, time.Now())); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound on save, got %v", err)
	}
	if err := store.RequestCancel(ctx, "missing"); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound on cancel, got %v", err)
	}
}

func TestCreateRunRejectsDuplicateToken(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := testRun("run-a", engine.PhasePending, time.Now())
	a.IdempotencyToken = "same"
	b := testRun("run-b", engine.PhasePending, time.Now())
	b.IdempotencyToken = "same"

	if err := store.CreateRun(ctx, a); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	err := store.CreateRun(ctx, b)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Runs without a token never collide.
	c := testRun("run-c", engine.PhasePending, time.Now())
	d := testRun("run-d", engine.PhasePending, time.Now())
	if err := store.CreateRun(ctx, c); err != nil {
		t.Fatalf("failed to create run c: %v", err)
	}
	if err := store.CreateRun(ctx, d); err != nil {
		t.Fatalf("failed to create run d: %v", err)
	}
}

func TestRequestCancel(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("run-1", engine.PhaseRunning, time.Now())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := store.RequestCancel(ctx, run.ID); err != nil {
		t.Fatalf("failed to request cancel: %v", err)
	}

	// A save carrying a stale flag must not clear the request.
	run.CancelRequested = false
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}
	got, _ := store.GetRun(ctx, run.ID)
	if !got.CancelRequested {
		t.Error("cancel request was cleared by save")
	}

	run.Phase = engine.PhaseCompleted
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}
	if err := store.RequestCancel(ctx, run.ID); !errors.Is(err, engine.ErrRunNotActive) {
		t.Errorf("expected ErrRunNotActive, got %v", err)
	}
}

func TestRetentionAndOrphanQueries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-100 * 24 * time.Hour)

	mk := func(id string, phase engine.RunPhase, at time.Time) {
		run := testRun(id, phase, at)
		if phase.IsTerminal() {
			run.CompletedAt = &at
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run %s: %v", id, err)
		}
	}
	mk("old-completed", engine.PhaseCompleted, old)
	mk("old-compensated", engine.PhaseCompensated, old.Add(time.Minute))
	mk("old-failed-compensation", engine.PhaseFailedCompensation, old)
	mk("new-completed", engine.PhaseCompleted, now)
	mk("stale-running", engine.PhaseRunning, now.Add(-2*time.Hour))
	mk("fresh-running", engine.PhaseRunning, now)

	cutoff := now.Add(-90 * 24 * time.Hour)
	expired, err := store.ListTerminalRunsBefore(ctx, cutoff, 0)
	if err != nil {
		t.Fatalf("failed to list expired runs: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != "old-completed" || expired[1].ID != "old-compensated" {
		t.Errorf("unexpected expired runs: %v", runIDs(expired))
	}

	limited, _ := store.ListTerminalRunsBefore(ctx, cutoff, 1)
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d runs", len(limited))
	}

	orphans, err := store.ListActiveRunsUpdatedBefore(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("failed to list orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "stale-running" {
		t.Errorf("unexpected orphans: %v", runIDs(orphans))
	}

	all, err := store.ListRuns(ctx, RunFilter{Phase: engine.PhaseCompleted})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 completed runs, got %v", runIDs(all))
	}
}

func TestDeleteRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	active := testRun("active", engine.PhaseRunning, now)
	done := testRun("done", engine.PhaseCompleted, now)
	done.CompletedAt = &now
	entry := engine.AuditEntry{Action: "run.created", Actor: "engine", TargetID: "done"}
	for _, r := range []*engine.WorkflowRun{active, done} {
		if err := store.CreateRun(ctx, r, entry); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	if err := store.DeleteRun(ctx, "active"); !engine.IsConflict(err) {
		t.Errorf("expected conflict purging an active run, got %v", err)
	}
	if err := store.DeleteRun(ctx, "done"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, "done"); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("expected deleted run to be gone, got %v", err)
	}

	audit, _ := store.ListAudit(ctx, "done")
	if len(audit) != 1 || audit[0].Action != AuditActionRunPurged {
		t.Errorf("expected only the purge marker, got %+v", audit)
	}
	if err := store.DeleteRun(ctx, "done"); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound deleting twice, got %v", err)
	}
}

func TestResourceStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	m := lifecycle.NewMachine(store)

	r, err := m.Create(lifecycle.WithActor(ctx, "engine"), lifecycle.NewResource{
		ID:           "pfx-1",
		Kind:         lifecycle.KindIPv6Prefix,
		TenantID:     "tenant-1",
		SubscriberID: "sub-1",
		Attributes:   map[string]string{lifecycle.AttrPoolID: "pool-a"},
	})
	if err != nil {
		t.Fatalf("failed to create resource: %v", err)
	}
	if _, err := m.Create(ctx, lifecycle.NewResource{ID: "pfx-1", Kind: lifecycle.KindIPv6Prefix}); !errors.Is(err, lifecycle.ErrResourceExists) {
		t.Errorf("expected ErrResourceExists, got %v", err)
	}

	if _, err := m.Allocate(ctx, r.ID, "2001:db8:100::/56"); err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	if _, err := m.Activate(ctx, r.ID); err != nil {
		t.Fatalf("failed to activate: %v", err)
	}
	if _, err := m.CompleteRevoke(ctx, r.ID); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := store.GetResource(ctx, r.ID)
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	if got.State != lifecycle.StateActive || got.Version != 3 || got.ExternalRef != "2001:db8:100::/56" {
		t.Errorf("unexpected resource: %+v", got)
	}
	if got.Attributes[lifecycle.AttrPoolID] != "pool-a" {
		t.Errorf("attributes not round-tripped: %v", got.Attributes)
	}

	stale := got.Clone()
	stale.State = lifecycle.StateSuspended
	if err := store.UpdateResource(ctx, stale, 1, lifecycle.Transition{ResourceID: r.ID}); !errors.Is(err, lifecycle.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
	missing := got.Clone()
	missing.ID = "nope"
	if err := store.UpdateResource(ctx, missing, 3, lifecycle.Transition{ResourceID: "nope"}); !errors.Is(err, lifecycle.ErrResourceNotFound) {
		t.Errorf("expected ErrResourceNotFound, got %v", err)
	}

	history, err := m.History(ctx, r.ID)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(history))
	}
	if history[0].To != lifecycle.StatePending || history[0].From != "" || history[0].Actor != "engine" {
		t.Errorf("unexpected first transition: %+v", history[0])
	}
	if history[2].From != lifecycle.StateAllocated || history[2].To != lifecycle.StateActive {
		t.Errorf("unexpected last transition: %+v", history[2])
	}

	if _, err := m.History(ctx, "nope"); !errors.Is(err, lifecycle.ErrResourceNotFound) {
		t.Errorf("expected ErrResourceNotFound for history, got %v", err)
	}
}

func TestResourceQueries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	m := lifecycle.NewMachine(store)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Create(ctx, lifecycle.NewResource{ID: id, Kind: lifecycle.KindIPv6Prefix}); err != nil {
			t.Fatalf("failed to create %s: %v", id, err)
		}
		if _, err := m.Allocate(ctx, id, "ref-"+id); err != nil {
			t.Fatalf("failed to allocate %s: %v", id, err)
		}
	}
	if _, err := m.Activate(ctx, "c"); err != nil {
		t.Fatalf("failed to activate: %v", err)
	}
	if err := store.BackdateResource(ctx, "a", time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatalf("failed to backdate: %v", err)
	}

	stuck, err := store.ListResourcesInState(ctx, lifecycle.StateAllocated, time.Now().Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "a" {
		t.Errorf("expected only a to be stuck, got %d resources", len(stuck))
	}

	counts, err := store.CountResourcesByState(ctx)
	if err != nil {
		t.Fatalf("failed to count resources: %v", err)
	}
	if counts[lifecycle.StateAllocated] != 2 || counts[lifecycle.StateActive] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestEngineOnSQLite(t *testing.T) {
	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "ispflow.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	reg := engine.NewRegistry()
	noop := func(context.Context, *engine.StepContext) (engine.Payload, error) { return nil, nil }
	if err := reg.Register("one", func(_ context.Context, sc *engine.StepContext) (engine.Payload, error) {
		return engine.Payload{"one_ref": "r-" + sc.TargetID}, nil
	}, noop); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := reg.Register("two", noop, nil); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if _, err := reg.Define("simple", []string{"one", "two"}); err != nil {
		t.Fatalf("failed to define: %v", err)
	}

	eng := engine.New(reg, store, engine.DefaultConfig())
	defer eng.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := eng.Start(ctx, engine.StartRequest{Workflow: "simple", TenantID: "t", TargetID: "sub-9"})
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	final, err := eng.Wait(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to wait: %v", err)
	}
	if final.Phase != engine.PhaseCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Phase)
	}

	persisted, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to reload run: %v", err)
	}
	if persisted.Phase != engine.PhaseCompleted || persisted.Context["one_ref"] != "r-sub-9" {
		t.Errorf("unexpected persisted run: phase=%s context=%v", persisted.Phase, persisted.Context)
	}
	audit, _ := store.ListAudit(ctx, run.ID)
	if len(audit) == 0 || audit[0].Action != "run.created" {
		t.Errorf("expected audit trail starting with run.created, got %+v", audit)
	}
}

func runIDs(runs []*engine.WorkflowRun) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
