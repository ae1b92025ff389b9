package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/ispflow/pkg/collaborators"
	"github.com/openfroyo/ispflow/pkg/engine"
)

func TestCreateDeduplicatesByKey(t *testing.T) {
	s := New()
	set := s.Set()
	ctx := context.Background()

	a, err := set.Address.AllocatePrefix(ctx, "key-1", "pool-a", 56)
	require.NoError(t, err)
	b, err := set.Address.AllocatePrefix(ctx, "key-1", "pool-a", 56)
	require.NoError(t, err)
	c, err := set.Address.AllocatePrefix(ctx, "key-2", "pool-a", 56)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 2, s.Distinct(KindPrefix))
	assert.Equal(t, 3, s.Count(Op(collaborators.NameAddressManagement, collaborators.OpAllocatePrefix)))
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := New()
	set := s.Set()
	ctx := context.Background()

	ref, err := set.PON.ActivateTerminal(ctx, "k", "SN1", "1/1/1")
	require.NoError(t, err)
	require.NoError(t, set.PON.DeactivateTerminal(ctx, ref))
	require.NoError(t, set.PON.DeactivateTerminal(ctx, ref))

	obj, ok := s.Object(ref)
	require.True(t, ok)
	assert.False(t, obj.Active)
	assert.Equal(t, "SN1", obj.Attrs["serial"])

	err = set.PON.DeactivateTerminal(ctx, "ont-9999")
	assert.True(t, collaborators.IsNotFound(err))
	assert.True(t, engine.IsPermanent(err))

	// A ref of another kind is not a terminal.
	sub, err := set.Billing.CreateSubscription(ctx, "k", "T1", "100M")
	require.NoError(t, err)
	assert.True(t, collaborators.IsNotFound(set.PON.DeactivateTerminal(ctx, sub)))
}

func TestFaultInjection(t *testing.T) {
	s := New()
	set := s.Set()
	ctx := context.Background()
	op := Op(collaborators.NameCPE, collaborators.OpPushConfig)

	boom := engine.NewTransientError("cpe unreachable", nil)
	s.FailNext(op, boom, 2)

	assert.ErrorIs(t, set.CPE.PushConfig(ctx, "ont-1", "residential"), boom)
	assert.ErrorIs(t, set.CPE.PushConfig(ctx, "ont-1", "residential"), boom)
	assert.NoError(t, set.CPE.PushConfig(ctx, "ont-1", "residential"))

	s.FailAlways(op, boom)
	for i := 0; i < 5; i++ {
		assert.Error(t, set.CPE.PushConfig(ctx, "ont-1", "residential"))
	}
	s.ClearFaults()
	assert.NoError(t, set.CPE.PushConfig(ctx, "ont-1", "residential"))

	calls := s.Calls()
	require.Len(t, calls, 9)
	assert.Error(t, calls[0].Err)
	assert.NoError(t, calls[2].Err)
	assert.Equal(t, 2, s.Count(op))
}

func TestJournalOrdering(t *testing.T) {
	s := New()
	set := s.Set()
	ctx := context.Background()

	cred, err := set.NetworkAuth.CreateCredential(ctx, "k", "S1", map[string]string{"vlan": "100"})
	require.NoError(t, err)
	pfx, err := set.Address.AllocatePrefix(ctx, "k", "pool", 56)
	require.NoError(t, err)

	require.NoError(t, set.NetworkAuth.DisconnectActiveSessions(ctx, cred))
	require.NoError(t, set.Address.ReleasePrefix(ctx, pfx))

	disconnect := s.Index(Op(collaborators.NameNetworkAuth, collaborators.OpDisconnectActiveSessions))
	release := s.Index(Op(collaborators.NameAddressManagement, collaborators.OpReleasePrefix))
	assert.Less(t, disconnect, release)
	assert.Equal(t, -1, s.Index("nothing.here"))

	obj, _ := s.Object(cred)
	assert.Equal(t, "100", obj.Attrs["vlan"])
	assert.Equal(t, "S1", obj.Attrs["subscriber_ref"])
}

func TestLatencyHonoursContext(t *testing.T) {
	s := New()
	s.SetLatency(Op(collaborators.NamePON, collaborators.OpActivateTerminal), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Set().PON.ActivateTerminal(ctx, "k", "SN", "p")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, s.Distinct(KindTerminal))
}

func TestSeed(t *testing.T) {
	s := New()
	s.Seed(KindPrefix, "pfx-seeded", map[string]string{"pool_id": "p"})
	assert.Equal(t, 1, s.ActiveCount(KindPrefix))
	require.NoError(t, s.Set().Address.ReleasePrefix(context.Background(), "pfx-seeded"))
	assert.Equal(t, 0, s.ActiveCount(KindPrefix))
}

func TestSetValidate(t *testing.T) {
	assert.NoError(t, New().Set().Validate())
	err := collaborators.Set{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing collaborator is required")
	assert.Contains(t, err.Error(), "cpe collaborator is required")
}
