package types

import (
	"errors"
	"fmt"
)

// Store and set lifecycle errors.
var (
	// ErrInvalidTransition is returned when a requested state change is
	// forbidden by the subscription set state machine.
	ErrInvalidTransition = errors.New("invalid subscription set state transition")
	// ErrVersionNotFound is returned by version lookups for a version that
	// never existed.
	ErrVersionNotFound = errors.New("subscription set version not found")
	// ErrNotMutable is returned by mutating calls on a committed or
	// read-only subscription set.
	ErrNotMutable = errors.New("subscription set is not mutable")
	// ErrStoreClosed is returned when an operation reaches a store that
	// has been closed.
	ErrStoreClosed = errors.New("subscription store is closed")
	// ErrInvalidState is returned when a state code is not recognized.
	ErrInvalidState = errors.New("invalid subscription set state")
)

// SetError carries the server error string of a subscription set that
// entered the Error state. Notifiers waiting on such a set resolve with a
// *SetError.
type SetError struct {
	Version int64
	Message string
}

// Error implements the error interface.
func (e *SetError) Error() string {
	return fmt.Sprintf("subscription set version %d failed: %s", e.Version, e.Message)
}
