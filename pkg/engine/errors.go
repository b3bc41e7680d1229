package engine

import (
	"errors"

	"github.com/rzbill/corral/pkg/types"
)

var (
	// ErrTargetNotFound is returned when an action names a cluster or node
	// that does not exist.
	ErrTargetNotFound = errors.New("action target not found")

	// ErrActionNotFound is returned for an unknown action id.
	ErrActionNotFound = errors.New("action not found")

	// ErrActionFinished is returned when cancelling a terminal action.
	ErrActionFinished = errors.New("action already finished")

	// ErrNotStarted is returned by operations that need a running engine.
	ErrNotStarted = errors.New("engine not started")

	// errLostOwnership means another worker took the action over while this
	// one was running it.
	errLostOwnership = errors.New("action ownership lost")
)

// SubmitResult classifies the outcome of Submit.
type SubmitResult string

const (
	Accepted               SubmitResult = "ACCEPTED"
	RejectedMalformed      SubmitResult = "REJECTED_MALFORMED"
	RejectedTargetNotFound SubmitResult = "REJECTED_TARGET_NOT_FOUND"

	// SubmitError is a storage failure; the request may be retried.
	SubmitError SubmitResult = "ERROR"
)

// ResultOf maps the error returned by Submit to a SubmitResult.
func ResultOf(err error) SubmitResult {
	switch {
	case err == nil:
		return Accepted
	case errors.Is(err, ErrTargetNotFound):
		return RejectedTargetNotFound
	case types.IsValidationError(err):
		return RejectedMalformed
	default:
		return SubmitError
	}
}
