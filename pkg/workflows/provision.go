package workflows

import (
	"context"
	"errors"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
)

func (s *steps) registerProvision(reg *engine.Registry) error {
	entries := []struct {
		name       string
		forward    engine.Action
		compensate engine.Action
		opts       []engine.StepOption
	}{
		{StepCreateBillingSubscription, s.createSubscription, s.cancelSubscription, nil},
		{StepCreateNetworkCredential, s.createCredential, s.deleteCredential, nil},
		{StepAllocateIPv6Prefix, s.allocatePrefix, s.revokePrefix, nil},
		{StepActivatePONTerminal, s.activateTerminal, s.deactivateTerminal, nil},
		{StepConfigureCPE, s.configureCPE, s.clearCPE, []engine.StepOption{
			engine.BestEffortCompensation(),
			engine.WithStepTimeout(s.defaults.CPETimeout),
		}},
		{StepStartRecurringBilling, s.startSchedule, s.stopSchedule, nil},
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := register(reg, e.name, e.forward, e.compensate, e.opts...); err != nil {
			return err
		}
		names = append(names, e.name)
	}

	opts := []engine.DefineOption{
		engine.WithDescription("Provision a subscriber across billing, network auth, IPAM, PON and CPE"),
	}
	if s.defaults.RunTimeout > 0 {
		opts = append(opts, engine.WithRunTimeout(s.defaults.RunTimeout))
	}
	_, err := reg.Define(Provision, names, opts...)
	return err
}

func (s *steps) createSubscription(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	plan := sc.String(KeyPlan)
	if plan == "" {
		return nil, missingInput(KeyPlan)
	}
	ref, err := s.set.Billing.CreateSubscription(ctx, sc.IdempotencyKey, sc.TenantID, plan)
	if err != nil {
		return nil, err
	}
	return engine.Payload{KeySubscriptionRef: ref}, nil
}

func (s *steps) cancelSubscription(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	ref := sc.String(KeySubscriptionRef)
	if ref == "" {
		return nil, nil
	}
	return nil, ignoreNotFound(s.set.Billing.CancelSubscription(ctx, ref))
}

func (s *steps) createCredential(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	subscriber := sc.String(KeySubscriberID)
	if subscriber == "" {
		subscriber = sc.TargetID
	}
	attrs := map[string]string{
		"tenant_id": sc.TenantID,
		"plan":      sc.String(KeyPlan),
	}
	ref, err := s.set.NetworkAuth.CreateCredential(ctx, sc.IdempotencyKey, subscriber, attrs)
	if err != nil {
		return nil, err
	}
	return engine.Payload{KeyCredentialRef: ref}, nil
}

func (s *steps) deleteCredential(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	ref := sc.String(KeyCredentialRef)
	if ref == "" {
		return nil, nil
	}
	return nil, ignoreNotFound(s.set.NetworkAuth.DeleteCredential(ctx, ref))
}

// allocatePrefix drives a prefix resource from nothing to ACTIVE. The resource id is the
// step idempotency key, so a retry resumes from whatever state the previous attempt reached
// and never allocates a second prefix.
func (s *steps) allocatePrefix(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	ctx = withActor(ctx)
	id := sc.IdempotencyKey
	pool := sc.String(KeyPoolID)
	if pool == "" {
		pool = s.defaults.PoolID
	}

	r, err := s.machine.Get(ctx, id)
	if errors.Is(err, lifecycle.ErrResourceNotFound) {
		subscriber := sc.String(KeySubscriberID)
		if subscriber == "" {
			subscriber = sc.TargetID
		}
		r, err = s.machine.Create(ctx, lifecycle.NewResource{
			ID:           id,
			Kind:         lifecycle.KindIPv6Prefix,
			TenantID:     sc.TenantID,
			SubscriberID: subscriber,
			Attributes: map[string]string{
				lifecycle.AttrPoolID:        pool,
				lifecycle.AttrCredentialRef: sc.String(KeyCredentialRef),
			},
		})
	}
	if err != nil {
		return nil, lifecycleErr(err)
	}

	if r.State == lifecycle.StatePending {
		ref, err := s.set.Address.AllocatePrefix(ctx, sc.IdempotencyKey, pool, sc.Int(KeyPrefixSize, s.defaults.PrefixSize))
		if err != nil {
			if engine.IsPermanent(err) {
				if _, ferr := s.machine.Fail(ctx, id, "allocation rejected"); ferr != nil {
					return nil, errors.Join(err, ferr)
				}
			}
			return nil, err
		}
		if r, err = s.machine.Allocate(ctx, id, ref); err != nil {
			return nil, s.abandonAllocation(ctx, id, ref, err)
		}
	}

	if r.State == lifecycle.StateAllocated {
		if r, err = s.machine.Activate(ctx, id); err != nil {
			return nil, lifecycleErr(err)
		}
	}

	if r.State != lifecycle.StateActive {
		return nil, engine.NewPermanentError("prefix resource cannot be activated", nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(id).
			WithDetail("state", string(r.State))
	}
	return engine.Payload{KeyResourceID: r.ID, KeyPrefixRef: r.ExternalRef}, nil
}

// abandonAllocation handles a prefix the address system handed out but the lifecycle could
// not record. A lost compare-and-swap is retried with the same key, which yields the same
// prefix. Any other failure returns the prefix and fails the resource, because a failed step
// is never compensated and nothing else knows the prefix exists.
func (s *steps) abandonAllocation(ctx context.Context, id, ref string, cause error) error {
	if errors.Is(cause, lifecycle.ErrVersionConflict) {
		return lifecycleErr(cause)
	}

	if err := ignoreNotFound(s.set.Address.ReleasePrefix(ctx, ref)); err != nil {
		s.log.Error().
			Err(err).
			Str("resource_id", id).
			Str("prefix_ref", ref).
			Msg("Prefix allocated but not recorded, and releasing it failed")
		return engine.NewPermanentError("prefix allocated but not recorded", errors.Join(cause, err)).
			WithCode(engine.ErrCodeInternal).
			WithResource(id).
			WithDetail("prefix_ref", ref)
	}
	if _, err := s.machine.Fail(ctx, id, "allocation not recorded"); err != nil {
		s.log.Warn().Err(err).Str("resource_id", id).Msg("Failed to mark abandoned allocation as failed")
	}
	return engine.NewPermanentError("failed to record prefix allocation", cause).
		WithCode(engine.ErrCodeInternal).
		WithResource(id)
}

func (s *steps) revokePrefix(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	id := sc.String(KeyResourceID)
	if id == "" {
		return nil, nil
	}
	return nil, s.revoke(withActor(ctx), id, "provision rolled back")
}

func (s *steps) activateTerminal(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	serial := sc.String(KeyONTSerial)
	if serial == "" {
		return nil, missingInput(KeyONTSerial)
	}
	ref, err := s.set.PON.ActivateTerminal(ctx, sc.IdempotencyKey, serial, sc.String(KeyPONPort))
	if err != nil {
		return nil, err
	}
	return engine.Payload{KeyDeviceRef: ref}, nil
}

func (s *steps) deactivateTerminal(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	ref := sc.String(KeyDeviceRef)
	if ref == "" {
		return nil, nil
	}
	return nil, ignoreNotFound(s.set.PON.DeactivateTerminal(ctx, ref))
}

func (s *steps) configureCPE(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	device := sc.String(KeyDeviceRef)
	if device == "" {
		return nil, missingInput(KeyDeviceRef)
	}
	profile := sc.String(KeyCPEProfile)
	if profile == "" {
		profile = s.defaults.CPEProfile
	}
	if err := s.set.CPE.PushConfig(ctx, device, profile); err != nil {
		return nil, err
	}
	return engine.Payload{KeyCPEProfile: profile}, nil
}

func (s *steps) clearCPE(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	device := sc.String(KeyDeviceRef)
	if device == "" {
		return nil, nil
	}
	return nil, ignoreNotFound(s.set.CPE.ClearConfig(ctx, device))
}

func (s *steps) startSchedule(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	sub := sc.String(KeySubscriptionRef)
	if sub == "" {
		return nil, missingInput(KeySubscriptionRef)
	}
	ref, err := s.set.RecurringBilling.StartSchedule(ctx, sc.IdempotencyKey, sub, sc.String(KeyPlan))
	if err != nil {
		return nil, err
	}
	return engine.Payload{KeyScheduleRef: ref}, nil
}

func (s *steps) stopSchedule(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	ref := sc.String(KeyScheduleRef)
	if ref == "" {
		return nil, nil
	}
	return nil, ignoreNotFound(s.set.RecurringBilling.StopSchedule(ctx, ref))
}
