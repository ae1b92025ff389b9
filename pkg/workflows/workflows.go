// Package workflows registers the subscriber Provision and Deprovision workflows. Each step
// pairs one external collaborator call with its compensation; the IPv6 prefix step also
// drives the resource lifecycle as a sub-saga.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/ispflow/pkg/collaborators"
	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
	"github.com/openfroyo/ispflow/pkg/telemetry"
)

// Workflow names.
const (
	Provision   = "provision"
	Deprovision = "deprovision"
)

// Provision steps, in order.
const (
	StepCreateBillingSubscription = "create-billing-subscription"
	StepCreateNetworkCredential   = "create-network-credential"
	StepAllocateIPv6Prefix        = "allocate-ipv6-prefix"
	StepActivatePONTerminal       = "activate-pon-terminal"
	StepConfigureCPE              = "configure-cpe"
	StepStartRecurringBilling     = "start-recurring-billing"
)

// Deprovision steps, in order.
const (
	StepStopRecurringBilling      = "stop-recurring-billing"
	StepDisconnectSessions        = "disconnect-sessions"
	StepClearCPEConfig            = "clear-cpe-config"
	StepDeactivatePONTerminal     = "deactivate-pon-terminal"
	StepRevokeIPv6Prefix          = "revoke-ipv6-prefix"
	StepDeleteNetworkCredential   = "delete-network-credential"
	StepCancelBillingSubscription = "cancel-billing-subscription"
)

// Run context keys. Inputs are supplied by the caller, refs are produced by steps.
const (
	KeySubscriberID = "subscriber_id"
	KeyPlan         = "plan"
	KeyPoolID       = "pool_id"
	KeyPrefixSize   = "prefix_size"
	KeyONTSerial    = "ont_serial"
	KeyPONPort      = "pon_port"
	KeyCPEProfile   = "cpe_profile"

	KeySubscriptionRef = "subscription_ref"
	KeyCredentialRef   = "credential_ref"
	KeyResourceID      = "resource_id"
	KeyPrefixRef       = "prefix_ref"
	KeyDeviceRef       = "device_ref"
	KeyScheduleRef     = "schedule_ref"
)

// actor tags lifecycle transitions made by workflow steps.
const actor = "engine"

// Defaults fill context values the caller did not supply.
type Defaults struct {
	PoolID     string        `yaml:"pool_id" json:"pool_id"`
	PrefixSize int           `yaml:"prefix_size" json:"prefix_size" validate:"gte=0,lte=128"`
	CPEProfile string        `yaml:"cpe_profile" json:"cpe_profile"`
	CPETimeout time.Duration `yaml:"cpe_timeout" json:"cpe_timeout"`
	RunTimeout time.Duration `yaml:"run_timeout" json:"run_timeout"`
}

// DefaultDefaults returns the built-in defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		PoolID:     "default",
		PrefixSize: 56,
		CPEProfile: "residential",
		CPETimeout: 30 * time.Second,
	}
}

func (d Defaults) withDefaults() Defaults {
	def := DefaultDefaults()
	if d.PoolID == "" {
		d.PoolID = def.PoolID
	}
	if d.PrefixSize == 0 {
		d.PrefixSize = def.PrefixSize
	}
	if d.CPEProfile == "" {
		d.CPEProfile = def.CPEProfile
	}
	if d.CPETimeout == 0 {
		d.CPETimeout = def.CPETimeout
	}
	return d
}

// steps holds the dependencies shared by every step action.
type steps struct {
	set      collaborators.Set
	machine  *lifecycle.Machine
	releaser *PrefixReleaser
	defaults Defaults
	log      zerolog.Logger
}

// Option configures Register.
type Option func(*steps)

// WithTelemetry sets the logger used by step actions.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *steps) { s.log = t.Component("workflows") }
}

// Register adds every step to reg and defines both workflows.
func Register(reg *engine.Registry, set collaborators.Set, machine *lifecycle.Machine, defaults Defaults, opts ...Option) error {
	if err := set.Validate(); err != nil {
		return fmt.Errorf("invalid collaborator set: %w", err)
	}
	if machine == nil {
		return errors.New("lifecycle machine is required")
	}

	s := &steps{
		set:      set,
		machine:  machine,
		releaser: NewPrefixReleaser(set),
		defaults: defaults.withDefaults(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.registerProvision(reg); err != nil {
		return err
	}
	return s.registerDeprovision(reg)
}

func register(reg *engine.Registry, name string, forward, compensate engine.Action, opts ...engine.StepOption) error {
	if err := reg.Register(name, forward, compensate, opts...); err != nil {
		return fmt.Errorf("failed to register step %s: %w", name, err)
	}
	return nil
}

func missingInput(key string) error {
	return engine.NewPermanentError(key+" is required", nil).
		WithCode(engine.ErrCodeValidation).
		WithDetail("key", key)
}

// lifecycleErr makes a lost compare-and-swap retryable; other lifecycle errors stay
// permanent.
func lifecycleErr(err error) error {
	if errors.Is(err, lifecycle.ErrVersionConflict) {
		return engine.NewConflictError("resource updated concurrently", err).WithCode(engine.ErrCodeConflict)
	}
	return err
}

// ignoreNotFound treats an external object that is already gone as released.
func ignoreNotFound(err error) error {
	if collaborators.IsNotFound(err) {
		return nil
	}
	return err
}

func withActor(ctx context.Context) context.Context {
	return lifecycle.WithActor(ctx, actor)
}
