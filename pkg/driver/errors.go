package driver

import (
	"errors"
	"fmt"
)

// Error is a failure reported by a driver. Transient errors are retried by
// the retry decorators; permanent ones fail the action with Err's message.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

// Error returns the underlying message unchanged so it can be surfaced to
// users as the failure reason.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + " failed"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retryable driver error.
func NewTransient(op string, err error) error {
	return &Error{Op: op, Transient: true, Err: err}
}

// NewPermanent wraps err as a non-retryable driver error.
func NewPermanent(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// Transientf formats a retryable driver error.
func Transientf(op, format string, args ...interface{}) error {
	return NewTransient(op, fmt.Errorf(format, args...))
}

// Permanentf formats a non-retryable driver error.
func Permanentf(op, format string, args ...interface{}) error {
	return NewPermanent(op, fmt.Errorf(format, args...))
}

// IsTransient reports whether err is a retryable driver error.
func IsTransient(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Transient
}
