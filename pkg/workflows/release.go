package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/ispflow/pkg/collaborators"
	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
)

// PrefixReleaser performs the external side of revoking a delegated prefix. Active sessions
// of the bound credential are torn down before the prefix goes back to the pool so that no
// session keeps routing a prefix that may be handed to someone else.
type PrefixReleaser struct {
	set collaborators.Set
}

// NewPrefixReleaser creates a releaser over set.
func NewPrefixReleaser(set collaborators.Set) *PrefixReleaser {
	return &PrefixReleaser{set: set}
}

// Release disconnects and releases r. Objects already gone count as released, so the call
// is safe to repeat.
func (p *PrefixReleaser) Release(ctx context.Context, r *lifecycle.Resource) error {
	if r.Kind != lifecycle.KindIPv6Prefix {
		return fmt.Errorf("cannot release resource %s of kind %q", r.ID, r.Kind)
	}
	if cred := r.Attributes[lifecycle.AttrCredentialRef]; cred != "" {
		if err := ignoreNotFound(p.set.NetworkAuth.DisconnectActiveSessions(ctx, cred)); err != nil {
			return err
		}
	}
	if r.ExternalRef == "" {
		return nil
	}
	return ignoreNotFound(p.set.Address.ReleasePrefix(ctx, r.ExternalRef))
}

// revoke walks resource id towards REVOKED from whatever state it is in. A resource that
// never got past allocation is failed instead, after its prefix is returned. Failures before
// REVOKING is persisted are returned, since nothing else would find the prefix; later ones
// are left to the reconciler.
func (s *steps) revoke(ctx context.Context, id, reason string) error {
	r, err := s.machine.Get(ctx, id)
	if errors.Is(err, lifecycle.ErrResourceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch r.State {
	case lifecycle.StateRevoked:
		return nil

	case lifecycle.StatePending:
		_, err = s.machine.Fail(ctx, id, reason)
		return lifecycleErr(err)

	case lifecycle.StateAllocated:
		if err := s.releaser.Release(ctx, r); err != nil {
			return err
		}
		_, err = s.machine.Fail(ctx, id, reason)
		return lifecycleErr(err)

	case lifecycle.StateActive, lifecycle.StateSuspended:
		if r, err = s.machine.BeginRevoke(ctx, id, reason); err != nil {
			return lifecycleErr(err)
		}
	}

	if r.State != lifecycle.StateRevoking {
		return engine.NewPermanentError("resource needs manual attention", nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(id).
			WithDetail("state", string(r.State))
	}

	// From here on REVOKING is persisted and the reconciler repeats a release that fails.
	if err := s.releaser.Release(ctx, r); err != nil {
		s.log.Warn().
			Err(err).
			Str("resource_id", id).
			Msg("Prefix release failed, left in REVOKING for the reconciler")
		return nil
	}
	if _, err := s.machine.CompleteRevoke(ctx, id); err != nil {
		s.log.Warn().
			Err(err).
			Str("resource_id", id).
			Msg("Prefix released but revocation not recorded, left for the reconciler")
	}
	return nil
}
