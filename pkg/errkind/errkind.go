// Package errkind defines the error taxonomy shared by every EarCrawler
// subsystem. Errors are values: recoverable failures travel through operation
// results carrying one of these kinds, and the facade maps each kind to a
// stable problem-details type URI.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	ContractViolation   Kind = "contract_violation"
	IntegrityFailure    Kind = "integrity_failure"
	AuthorizationDenied Kind = "authorization_denied"
	ResourceExhausted   Kind = "resource_exhausted"
	Upstream            Kind = "upstream"
	Timeout             Kind = "timeout"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	Internal            Kind = "internal"
)

// Error is a kinded error. Message must already be redacted; secrets never
// enter an Error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
