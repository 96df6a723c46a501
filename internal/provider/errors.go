package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable means the source is unreachable or stopped
	// responding. Recoverable; the scheduler backs off.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrTimeout is a bus call that exceeded its bound. It also matches
	// ErrProviderUnavailable.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrProviderUnavailable)
	// ErrDataIncomplete means a required field was missing from a response.
	ErrDataIncomplete = errors.New("data incomplete")
	// ErrTransportFailure covers bus connection loss and device write errors.
	ErrTransportFailure = errors.New("transport failure")
)

// DataIncompleteError names the missing field. It matches ErrDataIncomplete.
type DataIncompleteError struct {
	Field string
}

func (e *DataIncompleteError) Error() string {
	return fmt.Sprintf("%s: missing %q", ErrDataIncomplete, e.Field)
}

func (e *DataIncompleteError) Is(target error) bool {
	return target == ErrDataIncomplete
}

func Missing(field string) error {
	return &DataIncompleteError{Field: field}
}
