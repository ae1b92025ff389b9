package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
	"github.com/openfroyo/ispflow/pkg/telemetry"
)

// actor tags lifecycle transitions made by the controller.
const actor = "reconciler"

// Check names, used as span and metric labels.
const (
	CheckStuckAllocated = "stuck_allocated"
	CheckStuckRevoking  = "stuck_revoking"
	CheckOrphanedRuns   = "orphaned_runs"
	CheckRetention      = "retention"
)

// Option configures a Controller.
type Option func(*Controller)

// WithReleaser registers the releaser used to repair stuck revocations of kind.
func WithReleaser(kind string, r Releaser) Option {
	return func(c *Controller) { c.releasers[kind] = r }
}

// WithArchive sets the sink terminal runs are written to before purging. Without one the
// retention check does nothing.
func WithArchive(a Archive) Option {
	return func(c *Controller) { c.archive = a }
}

// WithSweepObserver registers an observer of hot sweep findings.
func WithSweepObserver(o SweepObserver) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithExecutionChecker excludes runs executing in this process from the orphan check.
func WithExecutionChecker(e ExecutionChecker) Option {
	return func(c *Controller) { c.executing = e }
}

// WithTelemetry sets logging, tracing, metrics and alerts.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Controller) { c.tel = t }
}

// WithClock overrides the clock used for ages and cutoffs.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs the reconciliation checks. It acts only on resources and runs whose
// timestamps are older than a threshold, which keeps it clear of anything a live run is
// still touching.
type Controller struct {
	machine   *lifecycle.Machine
	resources lifecycle.Querier
	runs      RunStore
	archive   Archive
	releasers map[string]Releaser
	observers []SweepObserver
	executing ExecutionChecker
	tel       *telemetry.Telemetry
	log       zerolog.Logger
	validate  *validator.Validate
	now       func() time.Time

	mu  sync.RWMutex
	cfg Config

	// repairMu guards retryAt: resource id to the earliest time a failed repair is retried.
	repairMu sync.Mutex
	retryAt  map[string]time.Time

	findings *ring
}

// New creates a controller. Zero config fields take their defaults.
func New(machine *lifecycle.Machine, resources lifecycle.Querier, runs RunStore, cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.LeakThreshold <= 0 {
		cfg.LeakThreshold = def.LeakThreshold
	}
	if cfg.StuckRevokeThreshold <= 0 {
		cfg.StuckRevokeThreshold = def.StuckRevokeThreshold
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.OrphanThreshold <= 0 {
		cfg.OrphanThreshold = def.OrphanThreshold
	}
	if cfg.HotInterval <= 0 {
		cfg.HotInterval = def.HotInterval
	}
	if cfg.ColdInterval <= 0 {
		cfg.ColdInterval = def.ColdInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	c := &Controller{
		machine:   machine,
		resources: resources,
		runs:      runs,
		releasers: make(map[string]Releaser),
		retryAt:   make(map[string]time.Time),
		validate:  validator.New(),
		now:       time.Now,
		cfg:       cfg,
		findings:  newRing(cfg.RingSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tel == nil {
		c.tel = telemetry.Nop()
	}
	c.log = c.tel.Component("reconciler")
	return c
}

// Thresholds returns the thresholds in force.
func (c *Controller) Thresholds() Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Thresholds
}

// UpdateThresholds swaps the thresholds used by the next sweep.
func (c *Controller) UpdateThresholds(t Thresholds) error {
	if err := c.validate.Struct(t); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	c.mu.Lock()
	c.cfg.Thresholds = t
	c.mu.Unlock()

	c.log.Info().
		Dur("leak_threshold", t.LeakThreshold).
		Dur("stuck_revoke_threshold", t.StuckRevokeThreshold).
		Dur("retention", t.Retention).
		Dur("orphan_threshold", t.OrphanThreshold).
		Msg("Reconciliation thresholds updated")
	return nil
}

// Findings returns the retained findings detected after since, oldest first.
func (c *Controller) Findings(since time.Time) []Finding {
	return c.findings.since(since)
}

// Run drives the hot and cold sweeps on their own timers until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.loop(ctx, c.cfg.HotInterval, c.SweepHot)
		return nil
	})
	g.Go(func() error {
		c.loop(ctx, c.cfg.ColdInterval, c.SweepCold)
		return nil
	})

	c.log.Info().
		Dur("hot_interval", c.cfg.HotInterval).
		Dur("cold_interval", c.cfg.ColdInterval).
		Msg("Reconciliation controller started")
	return g.Wait()
}

func (c *Controller) loop(ctx context.Context, interval time.Duration, sweep func(context.Context) (*Report, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweep(ctx); err != nil && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("Sweep finished with errors")
			}
		}
	}
}

// Sweep runs every check once.
func (c *Controller) Sweep(ctx context.Context) (*Report, error) {
	hot, hotErr := c.SweepHot(ctx)
	cold, coldErr := c.SweepCold(ctx)

	hot.Duration += cold.Duration
	hot.Purged = cold.Purged
	hot.ItemErrors += cold.ItemErrors
	return hot, errors.Join(hotErr, coldErr)
}

// SweepHot runs the stuck resource and orphaned run checks and hands the findings to the
// sweep observers.
func (c *Controller) SweepHot(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: c.now(), Findings: []Finding{}}
	th := c.Thresholds()

	var errs []error
	for _, check := range []struct {
		name string
		fn   func(context.Context, Thresholds, *Report) error
	}{
		{CheckStuckAllocated, c.checkStuckAllocated},
		{CheckStuckRevoking, c.checkStuckRevoking},
		{CheckOrphanedRuns, c.checkOrphanedRuns},
	} {
		if err := c.runCheck(ctx, check.name, th, report, check.fn); err != nil {
			errs = append(errs, err)
		}
	}

	report.Duration = time.Since(start)
	c.findings.add(report.Findings...)
	for _, o := range c.observers {
		o.RecordSweep(report.Findings)
	}

	c.log.Info().
		Int("findings", len(report.Findings)).
		Int("item_errors", report.ItemErrors).
		Dur("duration", report.Duration).
		Msg("Hot sweep finished")
	return report, errors.Join(errs...)
}

// SweepCold runs the retention purge.
func (c *Controller) SweepCold(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: c.now(), Findings: []Finding{}}
	err := c.runCheck(ctx, CheckRetention, c.Thresholds(), report, c.purgeExpiredRuns)
	report.Duration = time.Since(start)

	c.log.Info().
		Int("purged", report.Purged).
		Int("item_errors", report.ItemErrors).
		Dur("duration", report.Duration).
		Msg("Cold sweep finished")
	return report, err
}

// runCheck isolates one check: its failure is logged and returned without affecting the
// checks that follow.
func (c *Controller) runCheck(
	ctx context.Context,
	name string,
	th Thresholds,
	report *Report,
	fn func(context.Context, Thresholds, *Report) error,
) error {
	ctx, span := c.tel.Tracer.StartCheckSpan(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx, th, report)
	c.tel.Metrics.RecordCheckDuration(name, time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		c.log.Error().Err(err).Str("check", name).Msg("Reconciliation check failed")
		return fmt.Errorf("check %s: %w", name, err)
	}
	telemetry.RecordSuccess(span)
	return nil
}

func (c *Controller) record(report *Report, f Finding) {
	f.DetectedAt = c.now()
	report.Findings = append(report.Findings, f)

	c.tel.Metrics.RecordFinding(string(f.Kind), string(f.Action))
	_ = c.tel.Events.PublishFinding(string(f.Kind), f.SubjectID, string(f.Action), f.Detail)

	ev := c.log.Warn()
	if f.Action == ActionAlerted {
		ev = c.log.Error()
	}
	ev.Str("kind", string(f.Kind)).
		Str("subject_id", f.SubjectID).
		Str("action", string(f.Action)).
		Dur("age", f.Age).
		Str("detail", f.Detail).
		Msg("Reconciliation finding")
}

// checkStuckAllocated alerts on allocations that never went active. Whether to activate or
// roll back is not decidable here, so the resource is left alone.
func (c *Controller) checkStuckAllocated(ctx context.Context, th Thresholds, report *Report) error {
	now := c.now()
	stuck, err := c.resources.ListResourcesInState(ctx, lifecycle.StateAllocated, now.Add(-th.LeakThreshold), c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list allocated resources: %w", err)
	}
	for _, r := range stuck {
		c.record(report, Finding{
			SubjectID: r.ID,
			Kind:      KindStuckAllocated,
			Age:       r.Age(now),
			Action:    ActionAlerted,
			Detail:    fmt.Sprintf("%s %s allocated but never activated", r.Kind, r.ExternalRef),
		})
	}
	return nil
}

// checkStuckRevoking re-invokes the release of every stuck revocation once and completes it.
// A resource whose repair failed is left alone for one stuck threshold, and the listing is
// widened by the number of such resources so newer revocations still get their turn.
func (c *Controller) checkStuckRevoking(ctx context.Context, th Thresholds, report *Report) error {
	now := c.now()

	c.repairMu.Lock()
	cooling := len(c.retryAt)
	c.repairMu.Unlock()

	limit := c.cfg.BatchSize + cooling
	stuck, err := c.resources.ListResourcesInState(ctx, lifecycle.StateRevoking, now.Add(-th.StuckRevokeThreshold), limit)
	if err != nil {
		return fmt.Errorf("failed to list revoking resources: %w", err)
	}
	if len(stuck) < limit {
		c.forgetRepairsExcept(stuck)
	}

	ctx = lifecycle.WithActor(ctx, actor)
	handled := 0
	for _, r := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if handled >= c.cfg.BatchSize {
			break
		}
		if c.coolingDown(r.ID, now) {
			continue
		}
		handled++

		f := Finding{SubjectID: r.ID, Kind: KindStuckRevoking, Age: r.Age(now)}
		if err := c.repairRevocation(ctx, r); err != nil {
			report.ItemErrors++
			f.Action = ActionAlerted
			f.Detail = err.Error()
			c.setRetry(r.ID, now.Add(th.StuckRevokeThreshold))
		} else {
			f.Action = ActionAutoRepaired
			f.Detail = "released and revoked"
			c.setRetry(r.ID, time.Time{})
		}
		c.record(report, f)
	}
	return nil
}

func (c *Controller) coolingDown(id string, now time.Time) bool {
	c.repairMu.Lock()
	defer c.repairMu.Unlock()
	at, ok := c.retryAt[id]
	return ok && now.Before(at)
}

// setRetry records when id may be repaired again; a zero time clears it.
func (c *Controller) setRetry(id string, at time.Time) {
	c.repairMu.Lock()
	defer c.repairMu.Unlock()
	if at.IsZero() {
		delete(c.retryAt, id)
		return
	}
	c.retryAt[id] = at
}

// forgetRepairsExcept drops cooldowns of resources that are no longer stuck in REVOKING.
func (c *Controller) forgetRepairsExcept(stuck []*lifecycle.Resource) {
	keep := make(map[string]struct{}, len(stuck))
	for _, r := range stuck {
		keep[r.ID] = struct{}{}
	}
	c.repairMu.Lock()
	defer c.repairMu.Unlock()
	for id := range c.retryAt {
		if _, ok := keep[id]; !ok {
			delete(c.retryAt, id)
		}
	}
}

func (c *Controller) repairRevocation(ctx context.Context, r *lifecycle.Resource) error {
	releaser, ok := c.releasers[r.Kind]
	if !ok {
		return fmt.Errorf("no releaser registered for kind %q", r.Kind)
	}
	if err := releaser.Release(ctx, r); err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	if _, err := c.machine.CompleteRevoke(ctx, r.ID); err != nil {
		return fmt.Errorf("failed to complete revocation: %w", err)
	}
	return nil
}

// checkOrphanedRuns alerts on non-terminal runs nobody advanced for too long; an operator
// resumes them.
func (c *Controller) checkOrphanedRuns(ctx context.Context, th Thresholds, report *Report) error {
	now := c.now()
	runs, err := c.runs.ListActiveRunsUpdatedBefore(ctx, now.Add(-th.OrphanThreshold), c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}
	for _, run := range runs {
		if c.executing != nil && c.executing.IsExecuting(run.ID) {
			continue
		}
		c.record(report, Finding{
			SubjectID: run.ID,
			Kind:      KindOrphanedRun,
			Age:       now.Sub(run.UpdatedAt),
			Action:    ActionAlerted,
			Detail:    fmt.Sprintf("%s run on %s stalled in %s", run.Workflow, run.TargetID, run.Phase),
		})
	}
	return nil
}

// purgeExpiredRuns archives then deletes terminal runs past retention. A run is never
// deleted unless its archive write succeeded.
func (c *Controller) purgeExpiredRuns(ctx context.Context, th Thresholds, report *Report) error {
	if c.archive == nil {
		c.log.Debug().Msg("No archive configured, skipping retention")
		return nil
	}

	runs, err := c.runs.ListTerminalRunsBefore(ctx, c.now().Add(-th.Retention), c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list expired runs: %w", err)
	}

	for _, run := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.purge(ctx, run); err != nil {
			report.ItemErrors++
			c.log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to purge run")
			continue
		}
		report.Purged++
	}
	c.tel.Metrics.RecordRunsPurged(report.Purged)
	return nil
}

func (c *Controller) purge(ctx context.Context, run *engine.WorkflowRun) error {
	audit, err := c.runs.ListAudit(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to read audit: %w", err)
	}
	if err := c.archive.Archive(ctx, run, audit); err != nil {
		return fmt.Errorf("failed to archive run: %w", err)
	}
	if err := c.runs.DeleteRun(ctx, run.ID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	c.log.Debug().Str("run_id", run.ID).Int("audit_entries", len(audit)).Msg("Run archived and purged")
	return nil
}
