package delivery

import (
	"errors"
	"fmt"
)

// ErrorClass is the retry-relevant classification of a delivery failure.
type ErrorClass string

const (
	// ClassTransient errors are expected to be retry-resolvable:
	// connection failures, remote 5xx-equivalents, throttling.
	ClassTransient ErrorClass = "transient"
	// ClassTransientExhausted marks a transient failure that used up its
	// retry budget.
	ClassTransientExhausted ErrorClass = "transient_exhausted"
	// ClassPermanent errors cannot be fixed by retrying: invalid
	// recipient, malformed payload, rejected authentication.
	ClassPermanent ErrorClass = "permanent"
	// ClassTimeout covers the per-call bound and the request-level bound.
	ClassTimeout ErrorClass = "timeout"
	// ClassCircuitOpen marks a fail-fast rejection by the breaker.
	ClassCircuitOpen ErrorClass = "circuit_open"
)

// Error attaches a classification to an underlying transport error so the
// retry policy and the outcome report can act on it.
type Error struct {
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &Error{Class: ClassTransient, Err: err} }

// Permanent wraps err as a failure retrying cannot fix.
func Permanent(err error) error { return &Error{Class: ClassPermanent, Err: err} }

// Timeout wraps err as a timed-out call. Timeouts are retried like
// transients but reported under their own classification.
func Timeout(err error) error { return &Error{Class: ClassTimeout, Err: err} }

// Exhausted wraps the last transient error once the retry budget is spent.
func Exhausted(err error) error { return &Error{Class: ClassTransientExhausted, Err: err} }

// ClassOf returns the classification of err. Unclassified errors are
// treated as transient: an unknown transport failure is worth one more try,
// while permanence must be stated explicitly.
func ClassOf(err error) ErrorClass {
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	return ClassTransient
}

// Retryable reports whether the retry policy may reattempt after err.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassTimeout:
		return true
	}
	return false
}
