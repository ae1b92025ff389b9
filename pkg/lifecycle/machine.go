package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/ispflow/pkg/telemetry"
)

// Observer receives every committed transition.
type Observer interface {
	OnTransition(r *Resource, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(r *Resource, t Transition)

func (f ObserverFunc) OnTransition(r *Resource, t Transition) { f(r, t) }

type actorKey struct{}

// WithActor tags transitions made with ctx with the given actor name.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// maxCASAttempts bounds reload-and-retry on concurrent updates.
const maxCASAttempts = 3

// NewResource describes a resource to create in PENDING.
type NewResource struct {
	ID           string
	Kind         string
	TenantID     string
	SubscriberID string
	Attributes   map[string]string
}

// Machine validates and records lifecycle transitions.
type Machine struct {
	store     Store
	observers []Observer
	tel       *telemetry.Telemetry
	log       zerolog.Logger
	now       func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithObserver registers a transition observer.
func WithObserver(o Observer) MachineOption {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// WithTelemetry sets the telemetry used for logs and state change events.
func WithTelemetry(t *telemetry.Telemetry) MachineOption {
	return func(m *Machine) { m.tel = t }
}

// WithClock overrides the transition clock.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a state machine over store.
func NewMachine(store Store, opts ...MachineOption) *Machine {
	m := &Machine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.tel == nil {
		m.tel = telemetry.Nop()
	}
	m.log = m.tel.Component("lifecycle")
	return m
}

// Create records a new resource in PENDING. An empty id gets a generated one.
func (m *Machine) Create(ctx context.Context, nr NewResource) (*Resource, error) {
	if nr.Kind == "" {
		return nil, fmt.Errorf("resource kind is required")
	}
	if nr.ID == "" {
		nr.ID = uuid.New().String()
	}

	now := m.now()
	r := &Resource{
		ID:             nr.ID,
		Kind:           nr.Kind,
		TenantID:       nr.TenantID,
		SubscriberID:   nr.SubscriberID,
		State:          StatePending,
		StateEnteredAt: now,
		Attributes:     nr.Attributes,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t := Transition{
		ResourceID: r.ID,
		To:         StatePending,
		Reason:     "created",
		Actor:      actorFrom(ctx),
		At:         now,
	}
	if err := m.store.CreateResource(ctx, r, t); err != nil {
		return nil, fmt.Errorf("failed to create resource %s: %w", r.ID, err)
	}
	m.notify(r, t)
	return r.Clone(), nil
}

// Allocate records the external allocation reference. PENDING → ALLOCATED.
func (m *Machine) Allocate(ctx context.Context, id, externalRef string) (*Resource, error) {
	return m.transition(ctx, id, "allocate", StateAllocated, "allocated", func(r *Resource) {
		r.ExternalRef = externalRef
	})
}

// Activate puts an allocated resource in service. ALLOCATED → ACTIVE.
func (m *Machine) Activate(ctx context.Context, id string) (*Resource, error) {
	return m.transition(ctx, id, "activate", StateActive, "activated", nil)
}

// Suspend takes an active resource out of service. ACTIVE → SUSPENDED.
func (m *Machine) Suspend(ctx context.Context, id, reason string) (*Resource, error) {
	return m.transition(ctx, id, "suspend", StateSuspended, reason, nil)
}

// Reactivate returns a suspended resource to service. SUSPENDED → ACTIVE.
func (m *Machine) Reactivate(ctx context.Context, id string) (*Resource, error) {
	return m.transition(ctx, id, "reactivate", StateActive, "reactivated", nil)
}

// BeginRevoke records the intent to release. ACTIVE|SUSPENDED → REVOKING. The caller makes
// the external release call afterwards.
func (m *Machine) BeginRevoke(ctx context.Context, id, reason string) (*Resource, error) {
	return m.transition(ctx, id, "begin_revoke", StateRevoking, reason, nil)
}

// CompleteRevoke records a successful release. REVOKING → REVOKED.
func (m *Machine) CompleteRevoke(ctx context.Context, id string) (*Resource, error) {
	return m.transition(ctx, id, "complete_revoke", StateRevoked, "released", nil)
}

// Fail moves a non-terminal resource to FAILED.
func (m *Machine) Fail(ctx context.Context, id, reason string) (*Resource, error) {
	return m.transition(ctx, id, "fail", StateFailed, reason, nil)
}

// Get returns the current resource.
func (m *Machine) Get(ctx context.Context, id string) (*Resource, error) {
	return m.store.GetResource(ctx, id)
}

// History returns the transitions of a resource, oldest first.
func (m *Machine) History(ctx context.Context, id string) ([]Transition, error) {
	return m.store.ListTransitions(ctx, id)
}

func (m *Machine) transition(
	ctx context.Context,
	id, op string,
	to State,
	reason string,
	mutate func(*Resource),
) (*Resource, error) {
	for attempt := 1; ; attempt++ {
		current, err := m.store.GetResource(ctx, id)
		if err != nil {
			return nil, err
		}
		if !current.State.CanTransitionTo(to) {
			m.log.Warn().
				Str("resource_id", id).
				Str("operation", op).
				Str("from", string(current.State)).
				Str("to", string(to)).
				Msg("Rejected lifecycle transition")
			return nil, &TransitionError{ResourceID: id, Operation: op, From: current.State, To: to}
		}

		now := m.now()
		next := current.Clone()
		next.State = to
		next.StateEnteredAt = now
		next.Reason = reason
		next.UpdatedAt = now
		next.Version = current.Version + 1
		if mutate != nil {
			mutate(next)
		}

		t := Transition{
			ResourceID: id,
			From:       current.State,
			To:         to,
			Reason:     reason,
			Actor:      actorFrom(ctx),
			At:         now,
		}

		err = m.store.UpdateResource(ctx, next, current.Version, t)
		if err == nil {
			m.log.Debug().
				Str("resource_id", id).
				Str("from", string(t.From)).
				Str("to", string(t.To)).
				Str("actor", t.Actor).
				Msg("Lifecycle transition")
			m.notify(next, t)
			return next.Clone(), nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxCASAttempts {
			return nil, fmt.Errorf("failed to %s resource %s: %w", op, id, err)
		}
	}
}

func (m *Machine) notify(r *Resource, t Transition) {
	_ = m.tel.Events.PublishResourceStateChanged(r.ID, string(t.From), string(t.To), t.Reason)
	for _, o := range m.observers {
		o.OnTransition(r.Clone(), t)
	}
}
