// Package errs defines the orchestrator error taxonomy.
//
// Lifecycle operations (create/connect/disconnect/delete) surface these to
// callers; background paths log them and move on, so one unhealthy session
// never takes down unrelated work.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a session or message that does not exist.
	// Caller-correctable; never retried internally.
	ErrNotFound = errors.New("not found")

	// ErrNotConnected marks a send against a session without a connected
	// live client. Recoverable: the session may reconnect.
	ErrNotConnected = errors.New("session not connected")

	// ErrReconnectExhausted is the terminal signal after backoff gives up.
	// It is surfaced as a bus event, never returned across the API boundary.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ValidationError marks a malformed request (e.g. a media send without a
// resolvable media reference). Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// PersistenceError wraps a durable-store or cache failure. Retried only when
// the wrapped operation is idempotent, otherwise surfaced.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err wraps a PersistenceError.
func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
