// Package taskerr defines the error taxonomy shared across the
// orchestration core. Components return one of these kinds instead of
// ad-hoc error strings so that callers (the HTTP surface, supervisors,
// handlers) can classify failures without string matching.
package taskerr

import "errors"

// Kind classifies an error independent of the component that raised it.
type Kind string

const (
	// KindInvalidTransition means the state machine rejected a transition.
	KindInvalidTransition Kind = "invalid_transition"
	// KindCircuitOpen means the breaker refused to run the operation.
	KindCircuitOpen Kind = "circuit_open"
	// KindTransientUpstream means a retryable upstream failure occurred.
	KindTransientUpstream Kind = "transient_upstream"
	// KindValidation means input failed structural validation.
	KindValidation Kind = "validation_error"
	// KindMissingResource means a referenced resource does not exist.
	KindMissingResource Kind = "missing_resource"
	// KindIntegrityViolation means an operation would violate an
	// append-only or uniqueness invariant.
	KindIntegrityViolation Kind = "integrity_violation"
)

// Error is a taxonomy-tagged error. Reason is a short, stable,
// caller-facing string; Err (if set) is the underlying cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a taxonomy error with no wrapped cause.
func New(kind Kind, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds a taxonomy error around an underlying cause.
func Wrap(kind Kind, reason string, err error) error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of a taxonomy error, if any.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}
