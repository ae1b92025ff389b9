package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/ispflow/pkg/telemetry"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func testConfig() Config {
	return Config{
		Workers:           4,
		QueueSize:         16,
		LockWait:          50 * time.Millisecond,
		StepTimeout:       2 * time.Second,
		StepRetry:         fastPolicy(),
		CompensationRetry: fastPolicy(),
	}
}

// journal records action invocations in order.
type journal struct {
	mu      sync.Mutex
	entries []string
	keys    map[string][]string
}

func newJournal() *journal {
	return &journal{keys: make(map[string][]string)}
}

func (j *journal) add(entry, key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	j.keys[entry] = append(j.keys[entry], key)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *journal) keysFor(entry string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.keys[entry]...)
}

func (j *journal) forward(name string, err error) Action {
	return func(_ context.Context, sc *StepContext) (Payload, error) {
		j.add("fwd:"+name, sc.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		return Payload{name + "_ref": name + "-" + sc.RunID[:8]}, nil
	}
}

func (j *journal) compensate(name string, err error) Action {
	return func(_ context.Context, sc *StepContext) (Payload, error) {
		j.add("comp:"+name, sc.IdempotencyKey)
		return nil, err
	}
}

type testHarness struct {
	engine   *Engine
	store    *MemoryStore
	registry *Registry
}

func newHarness(t *testing.T, register func(r *Registry), workflow []string, opts ...Option) *testHarness {
	t.Helper()

	reg := NewRegistry()
	register(reg)
	_, err := reg.Define("test", workflow)
	require.NoError(t, err)

	store := NewMemoryStore()
	eng := New(reg, store, testConfig(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})

	return &testHarness{engine: eng, store: store, registry: reg}
}

func (h *testHarness) run(t *testing.T, req StartRequest) *WorkflowRun {
	t.Helper()
	if req.Workflow == "" {
		req.Workflow = "test"
	}
	if req.TenantID == "" {
		req.TenantID = "T1"
	}
	if req.TargetID == "" {
		req.TargetID = "S1"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := h.engine.Start(ctx, req)
	require.NoError(t, err)
	finished, err := h.engine.Wait(ctx, run.ID)
	require.NoError(t, err)
	return finished
}

func stepStatuses(run *WorkflowRun) map[string]StepStatus {
	out := make(map[string]StepStatus, len(run.Steps))
	for _, s := range run.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestEngine_AllStepsSucceed(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), j.compensate("a", nil)))
		require.NoError(t, r.Register("b", j.forward("b", nil), j.compensate("b", nil)))
		require.NoError(t, r.Register("c", j.forward("c", nil), nil))
	}, []string{"a", "b", "c"})

	run := h.run(t, StartRequest{Context: map[string]interface{}{"plan": "100M"}})

	assert.Equal(t, PhaseCompleted, run.Phase)
	assert.Nil(t, run.LastError)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, []string{"fwd:a", "fwd:b", "fwd:c"}, j.list())
	for _, s := range run.Steps {
		assert.Equal(t, StepSucceeded, s.Status, s.Name)
		assert.NotNil(t, s.StartedAt)
		assert.NotNil(t, s.EndedAt)
	}

	assert.Equal(t, "100M", run.Context["plan"])
	assert.Contains(t, run.Context, "a_ref")
	assert.Contains(t, run.Context, "c_ref")

	def, _ := h.registry.Workflow("test")
	assert.Equal(t, def.IdempotencyKey(run, "b"), run.Step("b").IdempotencyKey)
	assert.Equal(t, []string{run.Step("b").IdempotencyKey}, j.keysFor("fwd:b"))
}

func TestEngine_FailureCompensatesInReverseOrder(t *testing.T) {
	j := newJournal()
	boom := NewPermanentError("rejected", nil)
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), j.compensate("a", nil)))
		require.NoError(t, r.Register("b", j.forward("b", nil), j.compensate("b", nil)))
		require.NoError(t, r.Register("c", j.forward("c", boom), j.compensate("c", nil)))
		require.NoError(t, r.Register("d", j.forward("d", nil), j.compensate("d", nil)))
	}, []string{"a", "b", "c", "d"})

	run := h.run(t, StartRequest{})

	assert.Equal(t, PhaseCompensated, run.Phase)
	assert.Equal(t, []string{"fwd:a", "fwd:b", "fwd:c", "comp:b", "comp:a"}, j.list())
	assert.Equal(t, map[string]StepStatus{
		"a": StepCompensated,
		"b": StepCompensated,
		"c": StepFailed,
		"d": StepSkipped,
	}, stepStatuses(run))

	require.NotNil(t, run.LastError)
	assert.Equal(t, "c", run.LastError.Step)
	assert.Equal(t, ErrorClassPermanent, run.LastError.Class)
	assert.True(t, run.LastError.Compensated)
	assert.Empty(t, run.LastError.PendingCleanup)
}

func TestEngine_TransientErrorsRetriedWithSameKey(t *testing.T) {
	j := newJournal()
	attempts := 0
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("flaky", func(_ context.Context, sc *StepContext) (Payload, error) {
			j.add("fwd:flaky", sc.IdempotencyKey)
			attempts++
			if attempts < 3 {
				return nil, NewTransientError("upstream 503", nil)
			}
			return Payload{"attempt": sc.Attempt}, nil
		}, nil))
	}, []string{"flaky"})

	run := h.run(t, StartRequest{})

	assert.Equal(t, PhaseCompleted, run.Phase)
	assert.Equal(t, 2, run.Step("flaky").RetryCount)
	assert.Equal(t, 3, run.Context["attempt"])

	keys := j.keysFor("fwd:flaky")
	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[1], keys[2])
}

func TestEngine_PermanentErrorsNotRetried(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("bad", j.forward("bad", errors.New("validation rejected")), nil))
	}, []string{"bad"})

	run := h.run(t, StartRequest{})

	assert.Equal(t, PhaseCompensated, run.Phase)
	assert.Len(t, j.keysFor("fwd:bad"), 1)
	require.NotNil(t, run.Step("bad").Error)
	assert.Equal(t, ErrCodeCollaboratorFailed, run.Step("bad").Error.Code)
	assert.NotContains(t, run.LastError.Reason, "validation rejected")
}

func TestEngine_RetriesExhausted(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), j.compensate("a", nil)))
		require.NoError(t, r.Register("down", j.forward("down", NewTransientError("timeout", nil)), nil))
	}, []string{"a", "down"})

	run := h.run(t, StartRequest{})

	assert.Equal(t, PhaseCompensated, run.Phase)
	assert.Len(t, j.keysFor("fwd:down"), 3)
	assert.Equal(t, 2, run.Step("down").RetryCount)
	assert.Equal(t, ErrorClassTransient, run.LastError.Class)
}

func TestEngine_BestEffortCompensationFailureStillCompensates(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), j.compensate("a", nil)))
		require.NoError(t, r.Register("b", j.forward("b", nil),
			j.compensate("b", NewPermanentError("device offline", nil)), BestEffortCompensation()))
		require.NoError(t, r.Register("c", j.forward("c", NewPermanentError("nope", nil)), nil))
	}, []string{"a", "b", "c"})

	run := h.run(t, StartRequest{})

	assert.Equal(t, PhaseCompensated, run.Phase)
	assert.Equal(t, StepCompensationFailed, run.Step("b").Status)
	assert.Equal(t, StepCompensated, run.Step("a").Status)
	assert.True(t, run.LastError.Compensated)
	assert.Equal(t, []string{"fwd:a", "fwd:b", "fwd:c", "comp:b", "comp:a"}, j.list())
}

func TestEngine_CompensationFailureHaltsInFailedCompensation(t *testing.T) {
	j := newJournal()

	var (
		mu     sync.Mutex
		alerts []telemetry.Event
	)
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	require.NoError(t, err)
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		alerts = append(alerts, e)
		mu.Unlock()
	}, telemetry.FilterByLevel(telemetry.EventLevelCritical))
	tel := telemetry.Nop()
	tel.Events = events

	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), j.compensate("a", nil)))
		require.NoError(t, r.Register("b", j.forward("b", nil), j.compensate("b", NewTransientError("ipam down", nil))))
		require.NoError(t, r.Register("c", j.forward("c", NewPermanentError("nope", nil)), nil))
	}, []string{"a", "b", "c"}, WithTelemetry(tel))

	run := h.run(t, StartRequest{})

	assert.Equal(t, PhaseFailedCompensation, run.Phase)
	assert.Equal(t, StepCompensationFailed, run.Step("b").Status)
	assert.Equal(t, StepSucceeded, run.Step("a").Status)
	assert.Equal(t, 2, run.Step("b").CompensationRetryCount)
	assert.False(t, run.LastError.Compensated)
	assert.Equal(t, []string{"b", "a"}, run.LastError.PendingCleanup)
	assert.Len(t, j.keysFor("comp:b"), 3)
	assert.Empty(t, j.keysFor("comp:a"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, telemetry.EventTypeRunFailedCompensation, alerts[0].Type)
	assert.Equal(t, run.ID, alerts[0].RunID)
	assert.Equal(t, "b", alerts[0].Step)
}

func TestEngine_StepWithoutCompensationStaysSucceeded(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), j.compensate("a", nil)))
		require.NoError(t, r.Register("lookup", j.forward("lookup", nil), nil))
		require.NoError(t, r.Register("c", j.forward("c", NewPermanentError("nope", nil)), nil))
	}, []string{"a", "lookup", "c"})

	run := h.run(t, StartRequest{})

	assert.Equal(t, PhaseCompensated, run.Phase)
	assert.Equal(t, StepSucceeded, run.Step("lookup").Status)
	assert.Equal(t, StepCompensated, run.Step("a").Status)
}

func TestEngine_ContinueOnFailure(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), nil))
		require.NoError(t, r.Register("optional", j.forward("optional", NewPermanentError("cpe unreachable", nil)), nil,
			ContinueOnFailure()))
		require.NoError(t, r.Register("c", j.forward("c", nil), nil))
	}, []string{"a", "optional", "c"})

	run := h.run(t, StartRequest{})

	assert.Equal(t, PhaseCompleted, run.Phase)
	assert.Equal(t, StepFailed, run.Step("optional").Status)
	assert.Equal(t, StepSucceeded, run.Step("c").Status)
	assert.Equal(t, []string{"fwd:a", "fwd:optional", "fwd:c"}, j.list())
}

func TestEngine_CancelObservedAtStepBoundary(t *testing.T) {
	j := newJournal()
	entered := make(chan struct{})
	release := make(chan struct{})

	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("slow", func(_ context.Context, sc *StepContext) (Payload, error) {
			j.add("fwd:slow", sc.IdempotencyKey)
			close(entered)
			<-release
			return nil, nil
		}, j.compensate("slow", nil)))
		require.NoError(t, r.Register("next", j.forward("next", nil), j.compensate("next", nil)))
	}, []string{"slow", "next"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := h.engine.Start(ctx, StartRequest{Workflow: "test", TenantID: "T1", TargetID: "S1"})
	require.NoError(t, err)

	<-entered
	require.NoError(t, h.engine.Cancel(ctx, run.ID))
	close(release)

	final, err := h.engine.Wait(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompensated, final.Phase)
	assert.Equal(t, []string{"fwd:slow", "comp:slow"}, j.list())
	assert.Equal(t, StepCompensated, final.Step("slow").Status)
	assert.Equal(t, StepSkipped, final.Step("next").Status)
	assert.Equal(t, ErrCodeCancelled, final.LastError.Code)
}

func TestEngine_CancelTerminalRun(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), nil))
	}, []string{"a"})

	run := h.run(t, StartRequest{})
	err := h.engine.Cancel(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrRunNotActive)

	err = h.engine.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestEngine_IdempotencyTokenReturnsExistingRun(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), nil))
	}, []string{"a"})

	first := h.run(t, StartRequest{IdempotencyToken: "req-42"})
	require.Equal(t, PhaseCompleted, first.Phase)

	second, err := h.engine.Start(context.Background(), StartRequest{
		Workflow: "test", TenantID: "T1", TargetID: "S1", IdempotencyToken: "req-42",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, PhaseCompleted, second.Phase)
	assert.Len(t, j.keysFor("fwd:a"), 1)
}

func TestEngine_ConcurrentStartOnSameTarget(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("hold", func(ctx context.Context, _ *StepContext) (Payload, error) {
			<-release
			return nil, nil
		}, nil))
	}, []string{"hold"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		run *WorkflowRun
		err error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := h.engine.Start(ctx, StartRequest{Workflow: "test", TenantID: "T1", TargetID: "S1"})
			results <- result{run, err}
		}()
	}
	wg.Wait()
	close(results)

	var started []*WorkflowRun
	var conflicts int
	for r := range results {
		if r.err != nil {
			assert.ErrorIs(t, r.err, ErrConcurrentRunConflict)
			conflicts++
			continue
		}
		started = append(started, r.run)
	}
	require.Len(t, started, 1)
	assert.Equal(t, 1, conflicts)

	close(release)
	final, err := h.engine.Wait(ctx, started[0].ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, final.Phase)

	// The lock is released with the run.
	next := h.run(t, StartRequest{})
	assert.Equal(t, PhaseCompleted, next.Phase)
}

func TestEngine_TokenStartDoesNotBlockOtherTargets(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("hold", func(ctx context.Context, _ *StepContext) (Payload, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}, nil))
	_, err := reg.Define("test", []string{"hold"})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.LockWait = 2 * time.Second
	eng := New(reg, NewMemoryStore(), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = eng.Start(ctx, StartRequest{Workflow: "test", TenantID: "T1", TargetID: "A", IdempotencyToken: "a-1"})
	require.NoError(t, err)

	waiting := make(chan error, 1)
	go func() {
		_, err := eng.Start(ctx, StartRequest{Workflow: "test", TenantID: "T1", TargetID: "A", IdempotencyToken: "a-2"})
		waiting <- err
	}()
	time.Sleep(50 * time.Millisecond)

	began := time.Now()
	other, err := eng.Start(ctx, StartRequest{Workflow: "test", TenantID: "T1", TargetID: "B", IdempotencyToken: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, "B", other.TargetID)
	assert.Less(t, time.Since(began), time.Second)

	select {
	case err := <-waiting:
		t.Fatalf("start on a held target returned early: %v", err)
	default:
	}
}

func TestEngine_SameTokenConcurrentStartsShareRun(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("hold", func(ctx context.Context, _ *StepContext) (Payload, error) {
			<-release
			return nil, nil
		}, nil))
	}, []string{"hold"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids := make(chan string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := h.engine.Start(ctx, StartRequest{
				Workflow: "test", TenantID: "T1", TargetID: "S1", IdempotencyToken: "req-7",
			})
			if assert.NoError(t, err) {
				ids <- run.ID
			}
		}()
	}
	wg.Wait()
	close(ids)
	close(release)

	var got []string
	for id := range ids {
		got = append(got, id)
	}
	require.Len(t, got, 2)
	assert.Equal(t, got[0], got[1])

	final, err := h.engine.Wait(ctx, got[0])
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, final.Phase)
}

func TestEngine_StartValidation(t *testing.T) {
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", newJournal().forward("a", nil), nil))
	}, []string{"a"})

	_, err := h.engine.Start(context.Background(), StartRequest{Workflow: "test", TenantID: "T1"})
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrCodeValidation, ee.Code)

	_, err = h.engine.Start(context.Background(), StartRequest{Workflow: "nope", TenantID: "T1", TargetID: "S1"})
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestEngine_ResumeSkipsSucceededSteps(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), j.compensate("a", nil)))
		require.NoError(t, r.Register("b", j.forward("b", nil), j.compensate("b", nil)))
	}, []string{"a", "b"})

	def, _ := h.registry.Workflow("test")
	run := &WorkflowRun{
		ID:        "11111111-2222-3333-4444-555555555555",
		Workflow:  "test",
		TenantID:  "T1",
		TargetID:  "S9",
		Phase:     PhaseRunning,
		Context:   map[string]interface{}{"a_ref": "a-1"},
		CreatedAt: time.Now().Add(-2 * time.Hour),
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}
	run.Steps = []StepExecution{
		{Name: "a", Sequence: 1, Status: StepSucceeded, IdempotencyKey: def.IdempotencyKey(run, "a")},
		{Name: "b", Sequence: 2, Status: StepPending, IdempotencyKey: def.IdempotencyKey(run, "b")},
	}
	require.NoError(t, h.store.CreateRun(context.Background(), run))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.engine.Resume(ctx, run.ID)
	require.NoError(t, err)
	final, err := h.engine.Wait(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Equal(t, []string{"fwd:b"}, j.list())
	assert.Equal(t, []string{run.Steps[1].IdempotencyKey}, j.keysFor("fwd:b"))

	_, err = h.engine.Resume(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotActive)
}

func TestEngine_ResumeCompensatingRun(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), j.compensate("a", nil)))
		require.NoError(t, r.Register("b", j.forward("b", nil), j.compensate("b", nil)))
		require.NoError(t, r.Register("c", j.forward("c", nil), nil))
	}, []string{"a", "b", "c"})

	run := &WorkflowRun{
		ID:       "aaaaaaaa-2222-3333-4444-555555555555",
		Workflow: "test",
		TenantID: "T1",
		TargetID: "S7",
		Phase:    PhaseCompensating,
		Context:  map[string]interface{}{},
		Steps: []StepExecution{
			{Name: "a", Sequence: 1, Status: StepSucceeded},
			{Name: "b", Sequence: 2, Status: StepCompensated},
			{Name: "c", Sequence: 3, Status: StepFailed},
		},
		LastError: &RunFailure{Step: "c", Class: ErrorClassPermanent, Reason: "step c failed"},
	}
	require.NoError(t, h.store.CreateRun(context.Background(), run))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.engine.Resume(ctx, run.ID)
	require.NoError(t, err)
	final, err := h.engine.Wait(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompensated, final.Phase)
	assert.Equal(t, []string{"comp:a"}, j.list())
}

func TestEngine_QueueFullRejectsRun(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})

	reg := NewRegistry()
	require.NoError(t, reg.Register("hold", func(ctx context.Context, _ *StepContext) (Payload, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	}, nil))
	_, err := reg.Define("test", []string{"hold"})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	eng := New(reg, NewMemoryStore(), cfg)
	defer func() {
		close(release)
		_ = eng.Close(context.Background())
	}()

	ctx := context.Background()
	_, err = eng.Start(ctx, StartRequest{Workflow: "test", TenantID: "T1", TargetID: "S1"})
	require.NoError(t, err)
	<-entered

	_, err = eng.Start(ctx, StartRequest{Workflow: "test", TenantID: "T1", TargetID: "S2"})
	require.NoError(t, err)

	rejected, err := eng.Start(ctx, StartRequest{Workflow: "test", TenantID: "T1", TargetID: "S3"})
	require.Error(t, err)
	assert.True(t, IsThrottled(err))
	require.NotNil(t, rejected)
	assert.Equal(t, PhaseCompensated, rejected.Phase)
	assert.Equal(t, ErrCodeQueueFull, rejected.LastError.Code)
	assert.Equal(t, StepSkipped, rejected.Steps[0].Status)
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []RunPhase
	steps    []string
}

func (o *recordingObserver) OnRunStarted(run *WorkflowRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, run.ID)
}

func (o *recordingObserver) OnStepFinished(_ *WorkflowRun, step *StepExecution, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, fmt.Sprintf("%s=%s", step.Name, step.Status))
}

func (o *recordingObserver) OnRunFinished(run *WorkflowRun, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, run.Phase)
}

func TestEngine_ObserverNotified(t *testing.T) {
	j := newJournal()
	obs := &recordingObserver{}
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), j.compensate("a", nil)))
		require.NoError(t, r.Register("b", j.forward("b", NewPermanentError("nope", nil)), nil))
	}, []string{"a", "b"}, WithObserver(obs))

	run := h.run(t, StartRequest{})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{run.ID}, obs.started)
	assert.Equal(t, []RunPhase{PhaseCompensated}, obs.finished)
	assert.Equal(t, []string{"a=SUCCEEDED", "b=FAILED", "a=COMPENSATED"}, obs.steps)
}

func TestEngine_AuditTrail(t *testing.T) {
	j := newJournal()
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.Register("a", j.forward("a", nil), nil))
	}, []string{"a"})

	run := h.run(t, StartRequest{})

	var actions []string
	for _, entry := range h.store.Audit() {
		if entry.TargetID == run.ID {
			actions = append(actions, entry.Action)
		}
	}
	assert.Equal(t, []string{"run.created", "run.phase", "step.status", "run.phase"}, actions)
}

func TestEngine_CloseRejectsNewRuns(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", newJournal().forward("a", nil), nil))
	_, err := reg.Define("test", []string{"a"})
	require.NoError(t, err)

	eng := New(reg, NewMemoryStore(), testConfig())
	require.NoError(t, eng.Close(context.Background()))

	_, err = eng.Start(context.Background(), StartRequest{Workflow: "test", TenantID: "T1", TargetID: "S1"})
	assert.True(t, IsTransient(err))
}
