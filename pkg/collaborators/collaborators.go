// Package collaborators defines the contracts of the external systems the workflows drive.
// Every call that creates something takes the step idempotency key so that a retried step
// never creates a second object. Release calls are idempotent.
//
// Implementations report failures as engine errors: transient for timeouts and 5xx, throttled
// for rate limits, permanent for rejected requests and unknown references.
package collaborators

import (
	"context"
	"errors"

	"github.com/openfroyo/ispflow/pkg/engine"
)

// Collaborator names, used as metric and span labels.
const (
	NameBilling           = "billing"
	NameRecurringBilling  = "recurring_billing"
	NameNetworkAuth       = "network_auth"
	NameAddressManagement = "address_management"
	NamePON               = "pon"
	NameCPE               = "cpe"
)

// Operation names, paired with the collaborator name in journals and metrics.
const (
	OpCreateSubscription       = "create_subscription"
	OpCancelSubscription       = "cancel_subscription"
	OpStartSchedule            = "start_schedule"
	OpStopSchedule             = "stop_schedule"
	OpCreateCredential         = "create_credential"
	OpDeleteCredential         = "delete_credential"
	OpDisconnectActiveSessions = "disconnect_active_sessions"
	OpAllocatePrefix           = "allocate_prefix"
	OpReleasePrefix            = "release_prefix"
	OpActivateTerminal         = "activate_terminal"
	OpDeactivateTerminal       = "deactivate_terminal"
	OpPushConfig               = "push_config"
	OpClearConfig              = "clear_config"
)

// Billing owns subscriber billing records.
type Billing interface {
	CreateSubscription(ctx context.Context, key, tenantID, plan string) (string, error)
	CancelSubscription(ctx context.Context, subscriptionRef string) error
}

// RecurringBilling owns the periodic charge schedule of a subscription.
type RecurringBilling interface {
	StartSchedule(ctx context.Context, key, subscriptionRef, plan string) (string, error)
	StopSchedule(ctx context.Context, scheduleRef string) error
}

// NetworkAuth owns RADIUS-style credentials and the sessions opened with them.
type NetworkAuth interface {
	CreateCredential(ctx context.Context, key, subscriberRef string, attributes map[string]string) (string, error)
	DeleteCredential(ctx context.Context, credentialRef string) error

	// DisconnectActiveSessions force-drops live sessions. It must precede any address
	// release so a prefix is never reused while still routed to the old subscriber.
	DisconnectActiveSessions(ctx context.Context, credentialRef string) error
}

// AddressManagement owns the IPv6 prefix pools.
type AddressManagement interface {
	AllocatePrefix(ctx context.Context, key, poolID string, size int) (string, error)
	ReleasePrefix(ctx context.Context, prefixRef string) error
}

// PON owns optical network terminal activation.
type PON interface {
	ActivateTerminal(ctx context.Context, key, serial, port string) (string, error)
	DeactivateTerminal(ctx context.Context, deviceRef string) error
}

// CPE owns customer premises equipment configuration.
type CPE interface {
	PushConfig(ctx context.Context, deviceRef, profile string) error
	ClearConfig(ctx context.Context, deviceRef string) error
}

// Set groups one client per external system.
type Set struct {
	Billing          Billing
	RecurringBilling RecurringBilling
	NetworkAuth      NetworkAuth
	Address          AddressManagement
	PON              PON
	CPE              CPE
}

// Validate reports missing clients.
func (s Set) Validate() error {
	var errs []error
	if s.Billing == nil {
		errs = append(errs, errors.New("billing collaborator is required"))
	}
	if s.RecurringBilling == nil {
		errs = append(errs, errors.New("recurring billing collaborator is required"))
	}
	if s.NetworkAuth == nil {
		errs = append(errs, errors.New("network auth collaborator is required"))
	}
	if s.Address == nil {
		errs = append(errs, errors.New("address management collaborator is required"))
	}
	if s.PON == nil {
		errs = append(errs, errors.New("pon collaborator is required"))
	}
	if s.CPE == nil {
		errs = append(errs, errors.New("cpe collaborator is required"))
	}
	return errors.Join(errs...)
}

// NotFound builds the permanent error collaborators return for unknown references.
func NotFound(collaborator, ref string) error {
	return engine.NewPermanentError(collaborator+" reference not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(ref)
}

// IsNotFound reports whether err says the referenced external object does not exist.
func IsNotFound(err error) bool {
	var e *engine.EngineError
	return errors.As(err, &e) && e.Code == engine.ErrCodeNotFound
}

// ErrorClass maps a collaborator error to its class label.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	return string(engine.ClassifyError(err).Class)
}
