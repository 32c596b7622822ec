// Package apperr defines the error taxonomy shared by the services, the API
// layer, and the worker. The worker never propagates these to a caller; it
// records them on the job log and decides retry behavior from the kind.
package apperr

import "fmt"

// ValidationError reports malformed caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for a field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing record or one owned by someone else. The
// two cases are deliberately indistinguishable to the caller.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransientError marks an attempt-level failure (store or network
// unavailability, publish timeout) that the worker may retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// FatalError marks a malformed job that must be dropped, not retried.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return e.Reason }

// Fatal builds a FatalError.
func Fatal(reason string) error {
	return &FatalError{Reason: reason}
}
