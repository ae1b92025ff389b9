package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrResourceNotFound is returned for unknown resource ids.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrResourceExists is returned when creating a resource whose id is taken.
	ErrResourceExists = errors.New("resource already exists")

	// ErrVersionConflict is returned by a store when the compare-and-swap on the resource
	// version fails.
	ErrVersionConflict = errors.New("resource version conflict")
)

// TransitionError reports an operation that the current state does not admit. The
// resource is left unchanged.
type TransitionError struct {
	ResourceID string
	Operation  string
	From       State
	To         State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s of resource %s not allowed from %s to %s",
		ErrInvalidTransition, e.Operation, e.ResourceID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
