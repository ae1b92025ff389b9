package collaborators

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/ispflow/pkg/telemetry"
)

// Instrument wraps every client of set so each call gets a span, call and error metrics,
// and a debug log line.
func Instrument(set Set, tel *telemetry.Telemetry) Set {
	i := &instrumenter{tel: tel, log: tel.Component("collaborators")}
	return Set{
		Billing:          &instrumentedBilling{i: i, next: set.Billing},
		RecurringBilling: &instrumentedRecurring{i: i, next: set.RecurringBilling},
		NetworkAuth:      &instrumentedNetworkAuth{i: i, next: set.NetworkAuth},
		Address:          &instrumentedAddress{i: i, next: set.Address},
		PON:              &instrumentedPON{i: i, next: set.PON},
		CPE:              &instrumentedCPE{i: i, next: set.CPE},
	}
}

type instrumenter struct {
	tel *telemetry.Telemetry
	log zerolog.Logger
}

func (i *instrumenter) call(ctx context.Context, collaborator, op, ref string, fn func(ctx context.Context) error) error {
	err := i.tel.CallCollaborator(ctx, collaborator, op, ErrorClass, fn)
	ev := i.log.Debug()
	if err != nil {
		ev = i.log.Warn().Err(err).Str("error_class", ErrorClass(err))
	}
	ev.Str("collaborator", collaborator).
		Str("operation", op).
		Str("ref", ref).
		Msg("Collaborator call")
	return err
}

type instrumentedBilling struct {
	i    *instrumenter
	next Billing
}

func (b *instrumentedBilling) CreateSubscription(ctx context.Context, key, tenantID, plan string) (ref string, err error) {
	err = b.i.call(ctx, NameBilling, OpCreateSubscription, key, func(ctx context.Context) error {
		ref, err = b.next.CreateSubscription(ctx, key, tenantID, plan)
		return err
	})
	return ref, err
}

func (b *instrumentedBilling) CancelSubscription(ctx context.Context, ref string) error {
	return b.i.call(ctx, NameBilling, OpCancelSubscription, ref, func(ctx context.Context) error {
		return b.next.CancelSubscription(ctx, ref)
	})
}

type instrumentedRecurring struct {
	i    *instrumenter
	next RecurringBilling
}

func (r *instrumentedRecurring) StartSchedule(ctx context.Context, key, subscriptionRef, plan string) (ref string, err error) {
	err = r.i.call(ctx, NameRecurringBilling, OpStartSchedule, key, func(ctx context.Context) error {
		ref, err = r.next.StartSchedule(ctx, key, subscriptionRef, plan)
		return err
	})
	return ref, err
}

func (r *instrumentedRecurring) StopSchedule(ctx context.Context, ref string) error {
	return r.i.call(ctx, NameRecurringBilling, OpStopSchedule, ref, func(ctx context.Context) error {
		return r.next.StopSchedule(ctx, ref)
	})
}

type instrumentedNetworkAuth struct {
	i    *instrumenter
	next NetworkAuth
}

func (n *instrumentedNetworkAuth) CreateCredential(ctx context.Context, key, subscriberRef string, attrs map[string]string) (ref string, err error) {
	err = n.i.call(ctx, NameNetworkAuth, OpCreateCredential, key, func(ctx context.Context) error {
		ref, err = n.next.CreateCredential(ctx, key, subscriberRef, attrs)
		return err
	})
	return ref, err
}

func (n *instrumentedNetworkAuth) DeleteCredential(ctx context.Context, ref string) error {
	return n.i.call(ctx, NameNetworkAuth, OpDeleteCredential, ref, func(ctx context.Context) error {
		return n.next.DeleteCredential(ctx, ref)
	})
}

func (n *instrumentedNetworkAuth) DisconnectActiveSessions(ctx context.Context, ref string) error {
	return n.i.call(ctx, NameNetworkAuth, OpDisconnectActiveSessions, ref, func(ctx context.Context) error {
		return n.next.DisconnectActiveSessions(ctx, ref)
	})
}

type instrumentedAddress struct {
	i    *instrumenter
	next AddressManagement
}

func (a *instrumentedAddress) AllocatePrefix(ctx context.Context, key, poolID string, size int) (ref string, err error) {
	err = a.i.call(ctx, NameAddressManagement, OpAllocatePrefix, key, func(ctx context.Context) error {
		ref, err = a.next.AllocatePrefix(ctx, key, poolID, size)
		return err
	})
	return ref, err
}

func (a *instrumentedAddress) ReleasePrefix(ctx context.Context, ref string) error {
	return a.i.call(ctx, NameAddressManagement, OpReleasePrefix, ref, func(ctx context.Context) error {
		return a.next.ReleasePrefix(ctx, ref)
	})
}

type instrumentedPON struct {
	i    *instrumenter
	next PON
}

func (p *instrumentedPON) ActivateTerminal(ctx context.Context, key, serial, port string) (ref string, err error) {
	err = p.i.call(ctx, NamePON, OpActivateTerminal, key, func(ctx context.Context) error {
		ref, err = p.next.ActivateTerminal(ctx, key, serial, port)
		return err
	})
	return ref, err
}

func (p *instrumentedPON) DeactivateTerminal(ctx context.Context, ref string) error {
	return p.i.call(ctx, NamePON, OpDeactivateTerminal, ref, func(ctx context.Context) error {
		return p.next.DeactivateTerminal(ctx, ref)
	})
}

type instrumentedCPE struct {
	i    *instrumenter
	next CPE
}

func (c *instrumentedCPE) PushConfig(ctx context.Context, deviceRef, profile string) error {
	return c.i.call(ctx, NameCPE, OpPushConfig, deviceRef, func(ctx context.Context) error {
		return c.next.PushConfig(ctx, deviceRef, profile)
	})
}

func (c *instrumentedCPE) ClearConfig(ctx context.Context, deviceRef string) error {
	return c.i.call(ctx, NameCPE, OpClearConfig, deviceRef, func(ctx context.Context) error {
		return c.next.ClearConfig(ctx, deviceRef)
	})
}
