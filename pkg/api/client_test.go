package api_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/ispflow/pkg/api"
	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
	"github.com/openfroyo/ispflow/pkg/reconcile"
)

func TestClient_RunLifecycle(t *testing.T) {
	f := newFixture(t)
	c := api.NewClient(f.server.URL+"/", nil)
	ctx := context.Background()

	started, err := c.Start(ctx, engine.StartRequest{
		Workflow: "simple",
		TenantID: "T1",
		TargetID: "S1",
		Context:  engine.Payload{"plan": "fiber-500"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, started.RunID)
	f.wait(t, started.RunID)

	run, err := c.Run(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseCompleted, run.Phase)
	assert.Equal(t, "S1", run.TargetID)

	err = c.Cancel(ctx, started.RunID)
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, engine.ErrCodeRunNotActive, apiErr.Body.Code)

	_, err = c.Resume(ctx, started.RunID)
	require.Error(t, err)

	_, err = c.Run(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClient_CancelHoldingRun(t *testing.T) {
	f := newFixture(t)
	c := api.NewClient(f.server.URL, nil)
	ctx := context.Background()

	started, err := c.Start(ctx, engine.StartRequest{Workflow: "holding", TenantID: "T1", TargetID: "S1"})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, started.RunID))

	close(f.release)
	run := f.wait(t, started.RunID)
	assert.Equal(t, engine.PhaseCompensated, run.Phase)
}

func TestClient_ResourcesFindingsSnapshot(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var asked time.Time
	f := newFixture(t, api.WithFindings(findingsFunc(func(s time.Time) []reconcile.Finding {
		asked = s
		return []reconcile.Finding{{SubjectID: "p1", Kind: reconcile.KindStuckRevoking, Action: reconcile.ActionAutoRepaired}}
	})))
	c := api.NewClient(f.server.URL, nil)
	ctx := context.Background()

	_, err := f.machine.Create(ctx, lifecycle.NewResource{ID: "p1", Kind: lifecycle.KindIPv6Prefix, TenantID: "T1", SubscriberID: "S1"})
	require.NoError(t, err)

	lc, err := c.Lifecycle(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePending, lc.Resource.State)
	assert.Len(t, lc.History, 1)

	findings, err := c.Findings(ctx, since)
	require.NoError(t, err)
	assert.True(t, asked.Equal(since))
	require.Len(t, findings.Findings, 1)
	assert.Equal(t, reconcile.KindStuckRevoking, findings.Findings[0].Kind)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.ResourcesByState, len(lifecycle.States))
}

func TestClient_Unreachable(t *testing.T) {
	c := api.NewClient("http://127.0.0.1:1", &http.Client{Timeout: time.Second})
	_, err := c.Run(context.Background(), "r1")
	require.Error(t, err)
	var apiErr *api.Error
	assert.False(t, errors.As(err, &apiErr))
}
