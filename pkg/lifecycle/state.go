// Package lifecycle implements the state machine of managed resources such as delegated
// IPv6 prefixes. It is pure bookkeeping: callers perform the external side effects and
// record the outcome here.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a lifecycle state of a managed resource.
type State string

const (
	// StatePending is a resource record that exists before anything was allocated.
	StatePending State = "PENDING"

	// StateAllocated means the external system handed out the resource but it is not in
	// service yet.
	StateAllocated State = "ALLOCATED"

	// StateActive means the resource is in service.
	StateActive State = "ACTIVE"

	// StateSuspended means the resource is kept but temporarily out of service.
	StateSuspended State = "SUSPENDED"

	// StateRevoking records the intent to release before the external release call is made.
	StateRevoking State = "REVOKING"

	// StateRevoked is terminal: the resource was released.
	StateRevoked State = "REVOKED"

	// StateFailed is terminal: the resource needs manual attention.
	StateFailed State = "FAILED"
)

// States lists every state in lifecycle order.
var States = []State{
	StatePending, StateAllocated, StateActive, StateSuspended,
	StateRevoking, StateRevoked, StateFailed,
}

var transitions = map[State][]State{
	StatePending:   {StateAllocated, StateFailed},
	StateAllocated: {StateActive, StateFailed},
	StateActive:    {StateSuspended, StateRevoking, StateFailed},
	StateSuspended: {StateActive, StateRevoking, StateFailed},
	StateRevoking:  {StateRevoked, StateFailed},
}

// IsTerminal reports whether no transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateRevoked || s == StateFailed
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks that s is a known state.
func (s State) Validate() error {
	for _, known := range States {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle state: %s", s)
}

// UnmarshalJSON implements json.Unmarshaler for State.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := State(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// Resource kinds with a registered releaser.
const (
	KindIPv6Prefix = "ipv6_prefix"
)

// Attribute keys understood by the reconciler.
const (
	// AttrCredentialRef is the network-auth credential whose sessions must be dropped before
	// the resource is released.
	AttrCredentialRef = "credential_ref"

	// AttrPoolID is the address pool the resource came from.
	AttrPoolID = "pool_id"
)

// Resource is a managed resource and its lifecycle position.
type Resource struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	TenantID       string            `json:"tenant_id"`
	SubscriberID   string            `json:"subscriber_id"`
	State          State             `json:"state"`
	StateEnteredAt time.Time         `json:"state_entered_at"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	c := *r
	if r.Attributes != nil {
		c.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Age returns how long the resource has been in its current state.
func (r *Resource) Age(now time.Time) time.Duration {
	return now.Sub(r.StateEnteredAt)
}

// Transition is the append-only record of one state change.
type Transition struct {
	ResourceID string    `json:"resource_id"`
	From       State     `json:"from,omitempty"`
	To         State     `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor"`
	At         time.Time `json:"at"`
}
