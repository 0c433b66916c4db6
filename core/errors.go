package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session or transfer id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation's precondition on the
	// session state machine does not hold, e.g. recreating a session that
	// is not expired.
	ErrInvalidState = errors.New("invalid state")

	// ErrAddressUnavailable is returned when the address source cannot
	// issue a unique address for a new session.
	ErrAddressUnavailable = errors.New("address unavailable")
)

// InvalidInputError rejects a request at the core boundary. It never wraps
// internal errors, so its message is safe to surface to API clients.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func invalidInput(field, format string, args ...interface{}) error {
	return &InvalidInputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidInput reports whether err is an input rejection.
func IsInvalidInput(err error) bool {
	var ie *InvalidInputError
	return errors.As(err, &ie)
}
