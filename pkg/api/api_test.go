package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/ispflow/pkg/api"
	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
	"github.com/openfroyo/ispflow/pkg/metrics"
	"github.com/openfroyo/ispflow/pkg/reconcile"
)

const upstreamSecret = "upstream said: password=hunter2"

type fixture struct {
	engine  *engine.Engine
	machine *lifecycle.Machine
	server  *httptest.Server
	release chan struct{}
}

type findingsFunc func(since time.Time) []reconcile.Finding

func (f findingsFunc) Findings(since time.Time) []reconcile.Finding { return f(since) }

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()

	f := &fixture{release: make(chan struct{})}
	reg := engine.NewRegistry()
	noop := func(context.Context, *engine.StepContext) (engine.Payload, error) { return engine.Payload{"ok": true}, nil }
	require.NoError(t, reg.Register("noop", noop, nil))
	require.NoError(t, reg.Register("hold", func(ctx context.Context, _ *engine.StepContext) (engine.Payload, error) {
		select {
		case <-f.release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, noop))
	require.NoError(t, reg.Register("reject", func(context.Context, *engine.StepContext) (engine.Payload, error) {
		return nil, engine.NewPermanentError("subscription rejected", errors.New(upstreamSecret))
	}, nil))
	for wf, steps := range map[string][]string{
		"simple":  {"noop"},
		"holding": {"hold", "noop"},
		"failing": {"reject"},
	} {
		_, err := reg.Define(wf, steps)
		require.NoError(t, err)
	}

	f.engine = engine.New(reg, engine.NewMemoryStore(), engine.Config{
		Workers:   2,
		QueueSize: 8,
		LockWait:  20 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Close(ctx)
	})

	store := lifecycle.NewMemoryStore()
	f.machine = lifecycle.NewMachine(store)
	emitter, err := metrics.New(store, metrics.Config{})
	require.NoError(t, err)

	all := append([]api.Option{
		api.WithResources(f.machine),
		api.WithSnapshot(emitter),
		api.WithGatherer(emitter.Registry()),
	}, opts...)
	srv := api.NewServer(f.engine, api.Config{}, all...)
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (f *fixture) start(t *testing.T, workflow, target string) (int, map[string]interface{}) {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/v1/workflows/start", map[string]interface{}{
		"workflow_name": workflow,
		"tenant_id":     "T1",
		"target_id":     target,
		"context":       map[string]interface{}{"plan": "fiber-500"},
	})
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	return status, out
}

func (f *fixture) wait(t *testing.T, runID string) *engine.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := f.engine.Wait(ctx, runID)
	require.NoError(t, err)
	return run
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var out struct {
		Error api.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	return out.Error.Code
}

func TestStartAndGetRun(t *testing.T) {
	f := newFixture(t)

	status, out := f.start(t, "simple", "S1")
	require.Equal(t, http.StatusAccepted, status)
	runID, _ := out["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.NotEmpty(t, out["phase"])

	f.wait(t, runID)
	status, body := f.do(t, http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, status)

	var run api.RunResponse
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, engine.PhaseCompleted, run.Phase)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, engine.StepSucceeded, run.Steps[0].Status)
	assert.NotEmpty(t, run.Steps[0].IdempotencyKey)
	assert.Equal(t, "fiber-500", run.Context["plan"])
	assert.Nil(t, run.LastError)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/v1/workflows/start", map[string]interface{}{
		"workflow_name": "simple",
		"target_id":     "S1",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, engine.ErrCodeValidation, errorCode(t, body))

	status, body = f.do(t, http.MethodPost, "/v1/workflows/start", map[string]interface{}{
		"workflow_name": "nope",
		"tenant_id":     "T1",
		"target_id":     "S1",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, engine.ErrCodeUnknownWorkflow, errorCode(t, body))

	status, body = f.do(t, http.MethodPost, "/v1/workflows/start", `{"workflow_name":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, engine.ErrCodeValidation, errorCode(t, body))

	status, _ = f.do(t, http.MethodPost, "/v1/workflows/start", `{"workflow_name":"simple","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStartConcurrentRunConflict(t *testing.T) {
	f := newFixture(t)

	status, out := f.start(t, "holding", "S1")
	require.Equal(t, http.StatusAccepted, status)

	status, body := f.do(t, http.MethodPost, "/v1/workflows/start", map[string]interface{}{
		"workflow_name": "simple",
		"tenant_id":     "T1",
		"target_id":     "S1",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, engine.ErrCodeConcurrentRun, errorCode(t, body))

	// Other targets are unaffected.
	status, _ = f.start(t, "simple", "S2")
	assert.Equal(t, http.StatusAccepted, status)

	close(f.release)
	run := f.wait(t, out["run_id"].(string))
	assert.Equal(t, engine.PhaseCompleted, run.Phase)
}

func TestStartIdempotencyToken(t *testing.T) {
	f := newFixture(t)
	req := map[string]interface{}{
		"workflow_name":     "simple",
		"tenant_id":         "T1",
		"target_id":         "S1",
		"idempotency_token": "tok-1",
	}

	status, body := f.do(t, http.MethodPost, "/v1/workflows/start", req)
	require.Equal(t, http.StatusAccepted, status)
	var first api.StartResponse
	require.NoError(t, json.Unmarshal(body, &first))
	f.wait(t, first.RunID)

	status, body = f.do(t, http.MethodPost, "/v1/workflows/start", req)
	require.Equal(t, http.StatusAccepted, status)
	var second api.StartResponse
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, engine.PhaseCompleted, second.Phase)
}

func TestGetUnknownRun(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, engine.ErrCodeNotFound, errorCode(t, body))
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)

	_, out := f.start(t, "holding", "S1")
	runID := out["run_id"].(string)

	status, _ := f.do(t, http.MethodPost, "/v1/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, status)

	close(f.release)
	run := f.wait(t, runID)
	assert.Equal(t, engine.PhaseCompensated, run.Phase)
	require.NotNil(t, run.LastError)
	assert.Equal(t, engine.ErrCodeCancelled, run.LastError.Code)

	status, body := f.do(t, http.MethodPost, "/v1/runs/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, engine.ErrCodeRunNotActive, errorCode(t, body))

	status, _ = f.do(t, http.MethodPost, "/v1/runs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestResumeTerminalRun(t *testing.T) {
	f := newFixture(t)

	_, out := f.start(t, "simple", "S1")
	runID := out["run_id"].(string)
	f.wait(t, runID)

	status, body := f.do(t, http.MethodPost, "/v1/runs/"+runID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, engine.ErrCodeRunNotActive, errorCode(t, body))
}

func TestCollaboratorErrorsNotExposed(t *testing.T) {
	f := newFixture(t)

	_, out := f.start(t, "failing", "S1")
	runID := out["run_id"].(string)
	run := f.wait(t, runID)
	require.Equal(t, engine.PhaseCompensated, run.Phase)

	status, body := f.do(t, http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, string(body), "hunter2")

	var resp api.RunResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.LastError)
	assert.Equal(t, "reject", resp.LastError.Step)
	assert.Equal(t, engine.ErrorClassPermanent, resp.LastError.Class)
	require.NotNil(t, resp.Steps[0].Error)
	assert.Equal(t, "subscription rejected", resp.Steps[0].Error.Message)
}

type brokenEngine struct{}

func (brokenEngine) Start(context.Context, engine.StartRequest) (*engine.WorkflowRun, error) {
	return nil, fmt.Errorf("failed to persist run: %s", upstreamSecret)
}

func (brokenEngine) Get(context.Context, string) (*engine.WorkflowRun, error) {
	return nil, errors.New(upstreamSecret)
}

func (brokenEngine) Cancel(context.Context, string) error {
	return engine.NewTransientError("store unavailable", errors.New(upstreamSecret))
}

func (brokenEngine) Resume(context.Context, string) (*engine.WorkflowRun, error) {
	return nil, engine.NewThrottledError("queue full", nil).WithCode(engine.ErrCodeQueueFull)
}

func TestUnclassifiedErrorsAreInternal(t *testing.T) {
	srv := httptest.NewServer(api.NewServer(brokenEngine{}, api.Config{}).Handler())
	defer srv.Close()

	for _, tc := range []struct {
		method, path string
		status       int
	}{
		{http.MethodPost, "/v1/workflows/start", http.StatusInternalServerError},
		{http.MethodGet, "/v1/runs/r1", http.StatusInternalServerError},
		{http.MethodPost, "/v1/runs/r1/cancel", http.StatusServiceUnavailable},
		{http.MethodPost, "/v1/runs/r1/resume", http.StatusServiceUnavailable},
	} {
		t.Run(tc.method+tc.path, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(`{"workflow_name":"x","tenant_id":"t","target_id":"s"}`))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotContains(t, string(body), "hunter2")
			if tc.status == http.StatusServiceUnavailable {
				assert.NotEmpty(t, resp.Header.Get("Retry-After"))
			}
		})
	}
}

func TestResourceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Create(ctx, lifecycle.NewResource{ID: "p1", Kind: lifecycle.KindIPv6Prefix, TenantID: "T1", SubscriberID: "S1"})
	require.NoError(t, err)
	_, err = f.machine.Allocate(ctx, "p1", "2001:db8:100::/56")
	require.NoError(t, err)

	status, body := f.do(t, http.MethodGet, "/v1/resources/p1/lifecycle", nil)
	require.Equal(t, http.StatusOK, status)
	var resp api.LifecycleResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, lifecycle.StateAllocated, resp.Resource.State)
	assert.Equal(t, "2001:db8:100::/56", resp.Resource.ExternalRef)
	require.Len(t, resp.History, 2)
	assert.Equal(t, lifecycle.StateAllocated, resp.History[1].To)

	status, body = f.do(t, http.MethodGet, "/v1/resources/missing/lifecycle", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, engine.ErrCodeNotFound, errorCode(t, body))
}

func TestFindings(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var asked time.Time
	source := findingsFunc(func(since time.Time) []reconcile.Finding {
		asked = since
		return []reconcile.Finding{{
			SubjectID:  "p1",
			Kind:       reconcile.KindStuckAllocated,
			Action:     reconcile.ActionAlerted,
			DetectedAt: base.Add(time.Minute),
		}}
	})
	f := newFixture(t, api.WithFindings(source))

	status, body := f.do(t, http.MethodGet, "/v1/reconciliation/findings?since="+base.Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, asked.Equal(base))
	var resp api.FindingsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Findings, 1)
	assert.Equal(t, reconcile.KindStuckAllocated, resp.Findings[0].Kind)

	status, _ = f.do(t, http.MethodGet, "/v1/reconciliation/findings", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, asked.IsZero())

	status, _ = f.do(t, http.MethodGet, "/v1/reconciliation/findings?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDisabledEndpoints(t *testing.T) {
	srv := httptest.NewServer(api.NewServer(brokenEngine{}, api.Config{}).Handler())
	defer srv.Close()

	for _, path := range []string{
		"/v1/reconciliation/findings",
		"/v1/metrics/snapshot",
		"/v1/resources/p1/lifecycle",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode, path)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsSnapshotAndExposition(t *testing.T) {
	f := newFixture(t)

	_, out := f.start(t, "simple", "S1")
	f.wait(t, out["run_id"].(string))

	status, body := f.do(t, http.MethodGet, "/v1/metrics/snapshot", nil)
	require.Equal(t, http.StatusOK, status)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Len(t, snap.ResourcesByState, len(lifecycle.States))

	status, body = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ispflow_resources_by_state")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)

	down := newFixture(t, api.WithHealthCheck(func(context.Context) error { return errors.New("database is locked") }))
	status, body := down.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.NotContains(t, string(body), "locked")
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := api.NewServer(brokenEngine{}, api.Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
