package sim

import (
	"context"
	"strconv"

	c "github.com/openfroyo/ispflow/pkg/collaborators"
)

// Object kinds.
const (
	KindSubscription = "sub"
	KindSchedule     = "sched"
	KindCredential   = "cred"
	KindPrefix       = "pfx"
	KindTerminal     = "ont"
)

type billing struct{ s *Simulator }

func (b billing) CreateSubscription(ctx context.Context, key, tenantID, plan string) (string, error) {
	return b.s.create(ctx, KindSubscription, Op(c.NameBilling, c.OpCreateSubscription), key,
		map[string]string{"tenant_id": tenantID, "plan": plan})
}

func (b billing) CancelSubscription(ctx context.Context, ref string) error {
	return b.s.deactivate(ctx, c.NameBilling, KindSubscription, Op(c.NameBilling, c.OpCancelSubscription), ref)
}

type recurring struct{ s *Simulator }

func (r recurring) StartSchedule(ctx context.Context, key, subscriptionRef, plan string) (string, error) {
	return r.s.create(ctx, KindSchedule, Op(c.NameRecurringBilling, c.OpStartSchedule), key,
		map[string]string{"subscription_ref": subscriptionRef, "plan": plan})
}

func (r recurring) StopSchedule(ctx context.Context, ref string) error {
	return r.s.deactivate(ctx, c.NameRecurringBilling, KindSchedule, Op(c.NameRecurringBilling, c.OpStopSchedule), ref)
}

type networkAuth struct{ s *Simulator }

func (n networkAuth) CreateCredential(ctx context.Context, key, subscriberRef string, attrs map[string]string) (string, error) {
	a := map[string]string{"subscriber_ref": subscriberRef}
	for k, v := range attrs {
		a[k] = v
	}
	return n.s.create(ctx, KindCredential, Op(c.NameNetworkAuth, c.OpCreateCredential), key, a)
}

func (n networkAuth) DeleteCredential(ctx context.Context, ref string) error {
	return n.s.deactivate(ctx, c.NameNetworkAuth, KindCredential, Op(c.NameNetworkAuth, c.OpDeleteCredential), ref)
}

func (n networkAuth) DisconnectActiveSessions(ctx context.Context, ref string) error {
	return n.s.touch(ctx, Op(c.NameNetworkAuth, c.OpDisconnectActiveSessions), ref, nil)
}

type address struct{ s *Simulator }

func (a address) AllocatePrefix(ctx context.Context, key, poolID string, size int) (string, error) {
	return a.s.create(ctx, KindPrefix, Op(c.NameAddressManagement, c.OpAllocatePrefix), key,
		map[string]string{"pool_id": poolID, "size": strconv.Itoa(size)})
}

func (a address) ReleasePrefix(ctx context.Context, ref string) error {
	return a.s.deactivate(ctx, c.NameAddressManagement, KindPrefix, Op(c.NameAddressManagement, c.OpReleasePrefix), ref)
}

type pon struct{ s *Simulator }

func (p pon) ActivateTerminal(ctx context.Context, key, serial, port string) (string, error) {
	return p.s.create(ctx, KindTerminal, Op(c.NamePON, c.OpActivateTerminal), key,
		map[string]string{"serial": serial, "port": port})
}

func (p pon) DeactivateTerminal(ctx context.Context, ref string) error {
	return p.s.deactivate(ctx, c.NamePON, KindTerminal, Op(c.NamePON, c.OpDeactivateTerminal), ref)
}

type cpe struct{ s *Simulator }

func (d cpe) PushConfig(ctx context.Context, deviceRef, profile string) error {
	return d.s.touch(ctx, Op(c.NameCPE, c.OpPushConfig), deviceRef, func() {
		if o, ok := d.s.objects[deviceRef]; ok {
			if o.Attrs == nil {
				o.Attrs = map[string]string{}
			}
			o.Attrs["cpe_profile"] = profile
		}
	})
}

func (d cpe) ClearConfig(ctx context.Context, deviceRef string) error {
	return d.s.touch(ctx, Op(c.NameCPE, c.OpClearConfig), deviceRef, func() {
		if o, ok := d.s.objects[deviceRef]; ok {
			delete(o.Attrs, "cpe_profile")
		}
	})
}
