package workflows

import (
	"context"

	"github.com/openfroyo/ispflow/pkg/engine"
)

func (s *steps) registerDeprovision(reg *engine.Registry) error {
	entries := []struct {
		name    string
		forward engine.Action
		opts    []engine.StepOption
	}{
		{StepStopRecurringBilling, s.stopSchedule, nil},
		{StepDisconnectSessions, s.disconnectSessions, nil},
		{StepClearCPEConfig, s.clearCPE, []engine.StepOption{
			engine.ContinueOnFailure(),
			engine.WithStepTimeout(s.defaults.CPETimeout),
		}},
		{StepDeactivatePONTerminal, s.deactivateTerminal, nil},
		{StepRevokeIPv6Prefix, s.revokeForDeprovision, []engine.StepOption{engine.ContinueOnFailure()}},
		{StepDeleteNetworkCredential, s.deleteCredential, nil},
		{StepCancelBillingSubscription, s.cancelSubscription, nil},
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		// Deprovision only removes things; there is nothing to put back.
		if err := register(reg, e.name, e.forward, nil, e.opts...); err != nil {
			return err
		}
		names = append(names, e.name)
	}

	opts := []engine.DefineOption{
		engine.WithDescription("Tear down a subscriber, releasing every external resource"),
	}
	if s.defaults.RunTimeout > 0 {
		opts = append(opts, engine.WithRunTimeout(s.defaults.RunTimeout))
	}
	_, err := reg.Define(Deprovision, names, opts...)
	return err
}

func (s *steps) disconnectSessions(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	ref := sc.String(KeyCredentialRef)
	if ref == "" {
		return nil, nil
	}
	return nil, ignoreNotFound(s.set.NetworkAuth.DisconnectActiveSessions(ctx, ref))
}

func (s *steps) revokeForDeprovision(ctx context.Context, sc *engine.StepContext) (engine.Payload, error) {
	id := sc.String(KeyResourceID)
	if id == "" {
		return nil, nil
	}
	return nil, s.revoke(withActor(ctx), id, "subscriber deprovisioned")
}

// DeprovisionContext builds the context of a Deprovision run from the context of the run
// that provisioned the subscriber.
func DeprovisionContext(provisioned *engine.WorkflowRun) map[string]interface{} {
	out := make(map[string]interface{})
	if provisioned == nil {
		return out
	}
	for _, k := range []string{
		KeySubscriberID,
		KeySubscriptionRef,
		KeyScheduleRef,
		KeyCredentialRef,
		KeyResourceID,
		KeyPrefixRef,
		KeyDeviceRef,
	} {
		if v, ok := provisioned.Context[k]; ok {
			out[k] = v
		}
	}
	return out
}
