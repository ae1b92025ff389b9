package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/ispflow/pkg/locks"
	"github.com/openfroyo/ispflow/pkg/telemetry"
)

// Config tunes the worker pool, the target lock and the retry policies.
type Config struct {
	// Workers is the number of runs executed concurrently.
	Workers int `yaml:"workers" validate:"min=1,max=1024"`

	// QueueSize bounds the number of accepted runs waiting for a worker.
	QueueSize int `yaml:"queue_size" validate:"min=1"`

	// LockWait is how long Start waits for the target lock before failing with
	// ErrConcurrentRunConflict.
	LockWait time.Duration `yaml:"lock_wait"`

	// StepTimeout bounds a single step attempt unless the step sets its own.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// StepRetry is the default forward retry policy.
	StepRetry RetryPolicy `yaml:"step_retry"`

	// CompensationRetry is the retry policy of every compensating action.
	CompensationRetry RetryPolicy `yaml:"compensation_retry"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           8,
		QueueSize:         256,
		LockWait:          2 * time.Second,
		StepTimeout:       90 * time.Second,
		StepRetry:         DefaultStepRetryPolicy(),
		CompensationRetry: DefaultCompensationRetryPolicy(),
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver registers an observer for run notifications.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithTelemetry sets the telemetry used for logs, spans, metrics and alerts.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = t }
}

// WithLocker overrides the in-process target locker.
func WithLocker(l locks.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock overrides the clock used for persisted timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the saga execution engine. Runs are accepted by Start, queued, and executed by
// a fixed pool of workers. Steps inside a run execute strictly in order; a failure
// compensates the succeeded steps in reverse order.
type Engine struct {
	registry  *Registry
	store     RunStore
	locker    locks.Locker
	cfg       Config
	tel       *telemetry.Telemetry
	log       zerolog.Logger
	validate  *validator.Validate
	observers []Observer
	observer  Observer
	now       func() time.Time

	queue chan *job

	mu        sync.Mutex
	closed    bool
	executing map[string]*execution

	tokens keyedMutex

	baseCtx context.Context
	stop    context.CancelFunc
	group   *errgroup.Group
}

type execution struct {
	done  chan struct{}
	lease locks.Lease
}

type job struct {
	run     *WorkflowRun
	def     *Definition
	exec    *execution
	resumed bool
}

// New creates an engine and starts its worker pool.
func New(registry *Registry, store RunStore, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	cfg.StepRetry = cfg.StepRetry.withDefaults(def.StepRetry)
	cfg.CompensationRetry = cfg.CompensationRetry.withDefaults(def.CompensationRetry)

	e := &Engine{
		registry:  registry,
		store:     store,
		cfg:       cfg,
		validate:  validator.New(),
		now:       time.Now,
		queue:     make(chan *job, cfg.QueueSize),
		executing: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = locks.NewMemoryLocker()
	}
	if e.tel == nil {
		e.tel = telemetry.Nop()
	}
	e.log = e.tel.Component("engine")
	switch len(e.observers) {
	case 0:
		e.observer = NoopObserver{}
	case 1:
		e.observer = e.observers[0]
	default:
		e.observer = CompositeObserver(e.observers)
	}

	e.baseCtx, e.stop = context.WithCancel(context.Background())
	e.group = new(errgroup.Group)
	for i := 0; i < cfg.Workers; i++ {
		e.group.Go(e.worker)
	}

	e.log.Info().
		Int("workers", cfg.Workers).
		Int("queue_size", cfg.QueueSize).
		Dur("lock_wait", cfg.LockWait).
		Msg("Saga engine started")

	return e
}

// Registry returns the step registry the engine executes.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start validates the request, acquires the target lock and queues a new run. A request
// carrying an idempotency token that is already bound to a run returns that run unchanged,
// whatever its phase.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*WorkflowRun, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, NewPermanentError("invalid start request", err).WithCode(ErrCodeValidation)
	}

	def, ok := e.registry.Workflow(req.Workflow)
	if !ok {
		return nil, NewPermanentError("unknown workflow", nil).
			WithCode(ErrCodeUnknownWorkflow).
			WithResource(req.Workflow)
	}

	if e.isClosed() {
		return nil, NewTransientError("engine is shutting down", nil).WithCode(ErrCodeInternal)
	}

	if req.IdempotencyToken != "" {
		unlock := e.tokens.lock(req.IdempotencyToken)
		defer unlock()

		existing, err := e.store.GetRunByToken(ctx, req.IdempotencyToken)
		if err == nil {
			e.log.Debug().
				Str("run_id", existing.ID).
				Str("phase", string(existing.Phase)).
				Msg("Idempotency token already bound, returning existing run")
			return existing, nil
		}
		if !errors.Is(err, ErrRunNotFound) {
			return nil, fmt.Errorf("failed to look up idempotency token: %w", err)
		}
	}

	lease, err := e.locker.Acquire(ctx, locks.TargetKey(req.TargetID), e.cfg.LockWait)
	if err != nil {
		if errors.Is(err, locks.ErrLockHeld) {
			if req.IdempotencyToken != "" {
				// Another process may have bound the token while we waited.
				if existing, getErr := e.store.GetRunByToken(ctx, req.IdempotencyToken); getErr == nil {
					return existing, nil
				}
			}
			e.tel.Metrics.RecordLockConflict(req.Workflow)
			e.log.Warn().
				Str("workflow", req.Workflow).
				Str("target_id", req.TargetID).
				Msg("Target is locked by another run")
			return nil, NewConflictError("another run holds the target lock", err).
				WithCode(ErrCodeConcurrentRun).
				WithResource(req.TargetID)
		}
		return nil, NewTransientError("failed to acquire target lock", err).WithResource(req.TargetID)
	}

	run := e.newRun(def, req)
	created := e.auditEntry("run.created", run.ID, map[string]interface{}{
		"workflow":  run.Workflow,
		"target_id": run.TargetID,
		"phase":     string(run.Phase),
	})
	if err := e.store.CreateRun(ctx, run, created); err != nil {
		e.releaseLease(lease)
		if req.IdempotencyToken != "" && IsConflict(err) {
			// Another process bound the token between the lookup and the insert.
			if existing, getErr := e.store.GetRunByToken(ctx, req.IdempotencyToken); getErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	accepted := run.Clone()
	exec := &execution{done: make(chan struct{}), lease: lease}
	if err := e.enqueue(&job{run: run, def: def, exec: exec}); err != nil {
		e.abortQueued(run, exec, err)
		return run.Clone(), err
	}

	e.log.Info().
		Str("run_id", accepted.ID).
		Str("workflow", accepted.Workflow).
		Str("tenant_id", accepted.TenantID).
		Str("target_id", accepted.TargetID).
		Msg("Run accepted")

	return accepted, nil
}

// Get returns the persisted run.
func (e *Engine) Get(ctx context.Context, runID string) (*WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// Wait blocks until a run executing in this process finishes, then returns its persisted
// state. Runs not executing here are returned immediately.
func (e *Engine) Wait(ctx context.Context, runID string) (*WorkflowRun, error) {
	e.mu.Lock()
	exec, ok := e.executing[runID]
	e.mu.Unlock()

	if ok {
		select {
		case <-exec.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetRun(ctx, runID)
}

// Cancel asks a run to stop. The request is observed at the next step boundary and
// compensates the steps that already succeeded.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	if err := e.store.RequestCancel(ctx, runID); err != nil {
		return err
	}
	e.log.Info().Str("run_id", runID).Msg("Cancellation requested")
	return nil
}

// Resume re-drives a non-terminal run that is not executing in this process, typically one
// left behind by a crash. Succeeded steps are skipped and the interrupted step is invoked
// again with its original idempotency key; a compensating run resumes compensation.
func (e *Engine) Resume(ctx context.Context, runID string) (*WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Phase.IsTerminal() {
		return nil, NewPermanentError("run is not active", nil).
			WithCode(ErrCodeRunNotActive).
			WithResource(runID)
	}
	if e.IsExecuting(runID) {
		return nil, NewConflictError("run is already executing", nil).
			WithCode(ErrCodeConflict).
			WithResource(runID)
	}

	def, ok := e.registry.Workflow(run.Workflow)
	if !ok {
		return nil, NewPermanentError("unknown workflow", nil).
			WithCode(ErrCodeUnknownWorkflow).
			WithResource(run.Workflow)
	}
	if len(def.steps) != len(run.Steps) {
		return nil, NewPermanentError("workflow definition changed since the run started", nil).
			WithCode(ErrCodeConflict).
			WithResource(runID)
	}

	lease, err := e.locker.Acquire(ctx, locks.TargetKey(run.TargetID), e.cfg.LockWait)
	if err != nil {
		if errors.Is(err, locks.ErrLockHeld) {
			e.tel.Metrics.RecordLockConflict(run.Workflow)
			return nil, NewConflictError("another run holds the target lock", err).
				WithCode(ErrCodeConcurrentRun).
				WithResource(run.TargetID)
		}
		return nil, NewTransientError("failed to acquire target lock", err).WithResource(run.TargetID)
	}

	resumed := run.Clone()
	exec := &execution{done: make(chan struct{}), lease: lease}
	if err := e.enqueue(&job{run: run, def: def, exec: exec, resumed: true}); err != nil {
		e.releaseLease(lease)
		close(exec.done)
		return nil, err
	}

	e.log.Info().
		Str("run_id", resumed.ID).
		Str("phase", string(resumed.Phase)).
		Msg("Run resumed")

	return resumed, nil
}

// IsExecuting reports whether the run is queued or executing in this process.
func (e *Engine) IsExecuting(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.executing[runID]
	return ok
}

// Close stops accepting runs and waits for queued and executing runs to finish. When ctx
// ends first, in-flight step actions are cancelled and their runs are left non-terminal
// for Resume.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	select {
	case err := <-done:
		e.stop()
		return err
	case <-ctx.Done():
		e.stop()
		<-done
		return fmt.Errorf("engine drain interrupted: %w", ctx.Err())
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) enqueue(j *job) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return NewTransientError("engine is shutting down", nil).WithCode(ErrCodeInternal)
	}
	select {
	case e.queue <- j:
		e.executing[j.run.ID] = j.exec
		e.tel.Metrics.SetQueuedRuns(float64(len(e.queue)))
		return nil
	default:
		return NewThrottledError("run queue is full", nil).
			WithCode(ErrCodeQueueFull).
			WithResource(j.run.ID)
	}
}

func (e *Engine) worker() error {
	for j := range e.queue {
		e.tel.Metrics.SetQueuedRuns(float64(len(e.queue)))
		e.execute(j)
	}
	return nil
}

func (e *Engine) newRun(def *Definition, req StartRequest) *WorkflowRun {
	now := e.now()
	run := &WorkflowRun{
		ID:               uuid.New().String(),
		Workflow:         def.Name(),
		TenantID:         req.TenantID,
		TargetID:         req.TargetID,
		Phase:            PhasePending,
		IdempotencyToken: req.IdempotencyToken,
		Context:          cloneMap(req.Context),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if run.Context == nil {
		run.Context = make(map[string]interface{})
	}
	for i, spec := range def.steps {
		run.Steps = append(run.Steps, StepExecution{
			Name:           spec.Name,
			Sequence:       i + 1,
			Status:         StepPending,
			IdempotencyKey: def.IdempotencyKey(run, spec.Name),
		})
	}
	return run
}

// abortQueued finishes a run that could not be queued. No step ran, so the run passes
// through compensation with nothing to undo.
func (e *Engine) abortQueued(run *WorkflowRun, exec *execution, cause error) {
	ee := ClassifyError(cause)
	_ = e.setPhase(run, PhaseRunning)
	_ = e.setPhase(run, PhaseCompensating)
	e.skipPending(run)
	run.LastError = &RunFailure{
		Class:       ee.Class,
		Code:        ee.Code,
		Reason:      ee.Message,
		Compensated: true,
	}
	entry := e.setPhase(run, PhaseCompensated)
	e.save(context.Background(), run, entry)
	e.releaseLease(exec.lease)
	close(exec.done)

	e.log.Warn().
		Str("run_id", run.ID).
		Str("workflow", run.Workflow).
		Msg("Run rejected, queue is full")
}

func (e *Engine) execute(j *job) {
	run, def := j.run, j.def
	started := time.Now()

	defer func() {
		e.releaseLease(j.exec.lease)
		e.mu.Lock()
		delete(e.executing, run.ID)
		e.mu.Unlock()
		close(j.exec.done)
	}()

	ctx := e.baseCtx
	if def.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout())
		defer cancel()
	}
	ctx, span := e.tel.Tracer.StartRunSpan(ctx, run.ID, run.Workflow, run.TargetID)
	defer span.End()

	log := e.log.With().
		Str("run_id", run.ID).
		Str("workflow", run.Workflow).
		Str("tenant_id", run.TenantID).
		Str("target_id", run.TargetID).
		Logger()

	if j.resumed && run.Phase != PhasePending {
		e.tel.Metrics.RecordRunResumed(run.Workflow)
	}

	if run.Phase == PhasePending {
		entry := e.setPhase(run, PhaseRunning)
		e.save(ctx, run, entry)
		e.tel.Metrics.RecordRunStarted(run.Workflow)
		_ = e.tel.Events.PublishRunStarted(run.ID, run.Workflow, run.TargetID)
		e.observer.OnRunStarted(run.Clone())
		log.Info().Msg("Run started")
	}

	if run.Phase == PhaseRunning {
		failure, interrupted := e.runForward(ctx, run, def, log)
		if interrupted {
			log.Warn().Msg("Run interrupted by shutdown, left for resume")
			return
		}
		if failure == nil {
			entry := e.setPhase(run, PhaseCompleted)
			e.finish(ctx, run, started, entry, log)
			telemetry.RecordSuccess(span)
			return
		}

		run.LastError = failure
		e.skipPending(run)
		entry := e.setPhase(run, PhaseCompensating)
		e.save(ctx, run, entry)
		log.Warn().
			Str("step", failure.Step).
			Str("class", string(failure.Class)).
			Str("code", failure.Code).
			Msg("Run failed, compensating")
	}

	if run.Phase != PhaseCompensating {
		return
	}
	if run.LastError == nil {
		run.LastError = &RunFailure{
			Class:  ErrorClassPermanent,
			Code:   ErrCodeInternal,
			Reason: "compensation resumed without a recorded failure",
		}
	}

	// Compensation must outlive the run timeout; only an engine shutdown interrupts it.
	compCtx, cancelComp := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelComp()
	stopAfter := context.AfterFunc(e.baseCtx, cancelComp)
	defer stopAfter()

	telemetry.AddEvent(span, "compensation.started",
		telemetry.AttrStep.String(run.LastError.Step),
		telemetry.AttrErrorClass.String(string(run.LastError.Class)))
	if interrupted := e.compensate(compCtx, run, def, log); interrupted {
		log.Warn().Msg("Compensation interrupted by shutdown, left for resume")
		return
	}

	var entry AuditEntry
	if len(run.LastError.PendingCleanup) > 0 {
		entry = e.setPhase(run, PhaseFailedCompensation)
		telemetry.RecordError(span, fmt.Errorf("compensation failed: %s", run.LastError.Reason))
	} else {
		run.LastError.Compensated = true
		entry = e.setPhase(run, PhaseCompensated)
	}
	e.finish(ctx, run, started, entry, log)
}

// runForward executes the pending steps in order. It returns the failure that ends forward
// execution, or interrupted when the engine is stopping.
func (e *Engine) runForward(ctx context.Context, run *WorkflowRun, def *Definition, log zerolog.Logger) (*RunFailure, bool) {
	for i := range run.Steps {
		st := &run.Steps[i]
		if st.Status != StepPending {
			continue
		}
		spec := def.steps[i]

		if e.cancelRequested(ctx, run, log) {
			return &RunFailure{
				Class:  ErrorClassPermanent,
				Code:   ErrCodeCancelled,
				Reason: fmt.Sprintf("cancelled before step %s", st.Name),
			}, false
		}
		if err := ctx.Err(); err != nil {
			if e.baseCtx.Err() != nil {
				return nil, true
			}
			return &RunFailure{
				Step:   st.Name,
				Class:  ErrorClassTransient,
				Code:   ErrCodeTimeout,
				Reason: fmt.Sprintf("run timed out before step %s", st.Name),
			}, false
		}

		stepStart := time.Now()
		payload, err := e.invokeForward(ctx, run, spec, st, log)
		duration := time.Since(stepStart)
		now := e.now()
		st.EndedAt = &now

		if err != nil && e.baseCtx.Err() != nil {
			return nil, true
		}

		if err == nil {
			st.Status = StepSucceeded
			st.Error = nil
			st.Result = cloneMap(payload)
			for k, v := range payload {
				run.Context[k] = v
			}
		} else {
			st.Status = StepFailed
			st.Error = ClassifyError(err)
		}

		e.save(ctx, run, e.auditEntry("step.status", run.ID, map[string]interface{}{
			"step":        st.Name,
			"status":      string(st.Status),
			"retry_count": st.RetryCount,
		}))
		e.tel.Metrics.RecordStepExecution(run.Workflow, st.Name, string(st.Status), duration)
		e.observer.OnStepFinished(run.Clone(), st, duration)

		if err == nil {
			log.Debug().Str("step", st.Name).Dur("duration", duration).Msg("Step succeeded")
			continue
		}

		e.tel.Metrics.RecordError(string(st.Error.Class), st.Error.Code)
		if spec.ContinueOnFailure {
			log.Warn().
				Str("step", st.Name).
				Str("class", string(st.Error.Class)).
				Str("code", st.Error.Code).
				Msg("Step failed, continuing")
			_ = e.tel.Events.PublishStepContinued(run.ID, st.Name, st.Error.Message)
			continue
		}

		return &RunFailure{
			Step:   st.Name,
			Class:  st.Error.Class,
			Code:   st.Error.Code,
			Reason: fmt.Sprintf("step %s failed: %s", st.Name, st.Error.Message),
		}, false
	}
	return nil, false
}

func (e *Engine) invokeForward(ctx context.Context, run *WorkflowRun, spec StepSpec, st *StepExecution, log zerolog.Logger) (Payload, error) {
	policy := e.cfg.StepRetry
	if spec.Retry != nil {
		policy = spec.Retry.withDefaults(e.cfg.StepRetry)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StepTimeout
	}
	if st.StartedAt == nil {
		now := e.now()
		st.StartedAt = &now
	}

	var payload Payload
	attempts, err := retry(ctx, policy, IsRetryable, func(ctx context.Context, attempt int) error {
		actx, span := e.tel.Tracer.StartStepSpan(ctx, run.ID, spec.Name, "forward")
		defer span.End()
		span.SetAttributes(telemetry.AttrAttempt.Int(attempt))
		if timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, timeout)
			defer cancel()
		}

		p, err := spec.Forward(actx, e.stepContext(run, spec.Name, st.IdempotencyKey, attempt))
		if err != nil {
			ee := ClassifyError(err)
			span.SetAttributes(telemetry.AttrErrorClass.String(string(ee.Class)))
			telemetry.RecordError(span, err)
			return ee
		}
		telemetry.RecordSuccess(span)
		payload = p
		return nil
	}, func(attempt int, err error, next time.Duration) {
		e.tel.Metrics.RecordStepRetry(run.Workflow, spec.Name, "forward")
		_ = e.tel.Events.PublishStepRetry(run.ID, spec.Name, attempt, ClassifyError(err).Message, next)
		log.Debug().
			Err(err).
			Str("step", spec.Name).
			Int("attempt", attempt).
			Dur("next", next).
			Msg("Step attempt failed, retrying")
	})
	if attempts > 1 {
		st.RetryCount += attempts - 1
	}
	return payload, err
}

// compensate undoes the succeeded steps in reverse order. A best-effort failure is recorded
// and skipped; any other failure halts compensation and leaves the remaining steps listed
// as pending cleanup.
func (e *Engine) compensate(ctx context.Context, run *WorkflowRun, def *Definition, log zerolog.Logger) bool {
	var (
		halted    bool
		failedAt  string
		reason    string
		remaining []string
	)

	for i := len(run.Steps) - 1; i >= 0; i-- {
		st := &run.Steps[i]
		spec := def.steps[i]
		if st.Status != StepSucceeded || spec.Compensate == nil {
			continue
		}
		if halted {
			remaining = append(remaining, st.Name)
			continue
		}

		stepStart := time.Now()
		err := e.invokeCompensation(ctx, run, spec, st, log)
		duration := time.Since(stepStart)

		if err != nil && ctx.Err() != nil {
			return true
		}

		now := e.now()
		st.EndedAt = &now
		if err == nil {
			st.Status = StepCompensated
			e.tel.Metrics.RecordCompensation(run.Workflow, st.Name, string(st.Status))
			log.Info().Str("step", st.Name).Msg("Step compensated")
		} else {
			ee := ClassifyError(err)
			st.Status = StepCompensationFailed
			st.Error = ee
			e.tel.Metrics.RecordCompensation(run.Workflow, st.Name, string(st.Status))
			e.tel.Metrics.RecordError(string(ee.Class), ee.Code)

			if spec.BestEffortCompensation {
				log.Warn().
					Str("step", st.Name).
					Str("class", string(ee.Class)).
					Msg("Best-effort compensation failed")
				_ = e.tel.Events.PublishCompensationWarning(run.ID, st.Name, ee.Message)
			} else {
				log.Error().
					Str("step", st.Name).
					Str("class", string(ee.Class)).
					Msg("Compensation failed, manual cleanup required")
				halted = true
				failedAt = st.Name
				reason = ee.Message
				remaining = append(remaining, st.Name)
			}
		}

		e.save(ctx, run, e.auditEntry("step.status", run.ID, map[string]interface{}{
			"step":                     st.Name,
			"status":                   string(st.Status),
			"compensation_retry_count": st.CompensationRetryCount,
		}))
		e.observer.OnStepFinished(run.Clone(), st, duration)
	}

	if halted {
		run.LastError.Compensated = false
		run.LastError.PendingCleanup = remaining
		_ = e.tel.Events.PublishFailedCompensation(run.ID, run.Workflow, failedAt, reason, remaining)
	}
	return false
}

func (e *Engine) invokeCompensation(ctx context.Context, run *WorkflowRun, spec StepSpec, st *StepExecution, log zerolog.Logger) error {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StepTimeout
	}

	attempts, err := retry(ctx, e.cfg.CompensationRetry, IsRetryable, func(ctx context.Context, attempt int) error {
		actx, span := e.tel.Tracer.StartStepSpan(ctx, run.ID, spec.Name, "compensate")
		defer span.End()
		span.SetAttributes(telemetry.AttrAttempt.Int(attempt))
		if timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, timeout)
			defer cancel()
		}

		if _, err := spec.Compensate(actx, e.stepContext(run, spec.Name, st.IdempotencyKey, attempt)); err != nil {
			telemetry.RecordError(span, err)
			return ClassifyError(err)
		}
		telemetry.RecordSuccess(span)
		return nil
	}, func(attempt int, err error, next time.Duration) {
		e.tel.Metrics.RecordStepRetry(run.Workflow, spec.Name, "compensate")
		log.Debug().
			Err(err).
			Str("step", spec.Name).
			Int("attempt", attempt).
			Dur("next", next).
			Msg("Compensation attempt failed, retrying")
	})
	if attempts > 1 {
		st.CompensationRetryCount += attempts - 1
	}
	return err
}

func (e *Engine) stepContext(run *WorkflowRun, step, key string, attempt int) *StepContext {
	return &StepContext{
		RunID:          run.ID,
		Workflow:       run.Workflow,
		TenantID:       run.TenantID,
		TargetID:       run.TargetID,
		Step:           step,
		IdempotencyKey: key,
		Attempt:        attempt,
		Data:           cloneMap(run.Context),
	}
}

// cancelRequested reloads the cancel flag; it is only ever checked between steps.
func (e *Engine) cancelRequested(ctx context.Context, run *WorkflowRun, log zerolog.Logger) bool {
	if run.CancelRequested {
		return true
	}
	persisted, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reload cancel flag")
		return false
	}
	run.CancelRequested = persisted.CancelRequested
	return run.CancelRequested
}

func (e *Engine) skipPending(run *WorkflowRun) {
	for i := range run.Steps {
		if run.Steps[i].Status == StepPending {
			run.Steps[i].Status = StepSkipped
		}
	}
}

func (e *Engine) finish(ctx context.Context, run *WorkflowRun, started time.Time, entry AuditEntry, log zerolog.Logger) {
	now := e.now()
	run.CompletedAt = &now
	e.save(ctx, run, entry)

	duration := time.Since(started)
	e.tel.Metrics.RecordRunFinished(run.Workflow, string(run.Phase), duration)
	e.observer.OnRunFinished(run.Clone(), duration)
	if run.Phase != PhaseFailedCompensation {
		_ = e.tel.Events.PublishRunFinished(run.ID, run.Workflow, string(run.Phase), duration)
	}

	ev := log.Info()
	if run.Phase == PhaseFailedCompensation {
		ev = log.Error().Strs("pending_cleanup", run.LastError.PendingCleanup)
	}
	ev.Str("phase", string(run.Phase)).Dur("duration", duration).Msg("Run finished")
}

// setPhase moves the run to next and returns the audit entry describing the transition.
// Transitions outside the phase graph are refused and logged.
func (e *Engine) setPhase(run *WorkflowRun, next RunPhase) AuditEntry {
	prev := run.Phase
	if !prev.CanTransitionTo(next) {
		e.log.Error().
			Str("run_id", run.ID).
			Str("from", string(prev)).
			Str("to", string(next)).
			Msg("Refusing invalid run phase transition")
		return e.auditEntry("run.phase_rejected", run.ID, map[string]interface{}{
			"from": string(prev),
			"to":   string(next),
		})
	}
	run.Phase = next
	return e.auditEntry("run.phase", run.ID, map[string]interface{}{
		"from": string(prev),
		"to":   string(next),
	})
}

// save persists the full run. A failed save is logged; the next save rewrites the whole
// record, so the run keeps executing.
func (e *Engine) save(ctx context.Context, run *WorkflowRun, audit ...AuditEntry) {
	run.UpdatedAt = e.now()
	if err := e.store.SaveRun(context.WithoutCancel(ctx), run, audit...); err != nil {
		e.log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist run")
	}
}

func (e *Engine) auditEntry(action, targetID string, details map[string]interface{}) AuditEntry {
	return AuditEntry{
		Action:    action,
		Actor:     "engine",
		TargetID:  targetID,
		Details:   details,
		Timestamp: e.now(),
	}
}

func (e *Engine) releaseLease(lease locks.Lease) {
	if lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		e.log.Warn().Err(err).Str("key", lease.Key()).Msg("Failed to release target lock")
	}
}

// keyedMutex serializes callers per key. Entries live only while a caller holds or waits
// for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
