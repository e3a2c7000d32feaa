package cloudplane

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a cloud-plane failure into the taxonomy spec.md §7
// defines for retry and HTTP-status decisions.
type ErrorKind string

// Recognized error kinds (spec.md §7).
const (
	ErrorKindTransport     ErrorKind = "transport"
	ErrorKindAuthorization ErrorKind = "authorization"
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindPolicy        ErrorKind = "policy"
	ErrorKindBilling       ErrorKind = "billing"
	ErrorKindConsistency   ErrorKind = "consistency"
	ErrorKindFatal         ErrorKind = "fatal"
)

// Error describes a failure returned by the cloud plane, carrying enough
// structure for callers to classify it without string-matching. It is
// modeled on the teacher's runtime/agent/model.ProviderError.
type Error struct {
	Operation string
	HTTPStatus int
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

// NewError constructs a cloud-plane Error. operation and kind are required.
func NewError(operation string, httpStatus int, kind ErrorKind, message string, retryable bool, cause error) *Error {
	if operation == "" {
		panic("cloudplane: operation is required")
	}
	if kind == "" {
		panic("cloudplane: kind is required")
	}
	return &Error{
		Operation:  operation,
		HTTPStatus: httpStatus,
		Kind:       kind,
		Message:    message,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cloudplane: %s: %s (%s)", e.Operation, e.Message, e.Kind)
	}
	return fmt.Sprintf("cloudplane: %s failed (%s)", e.Operation, e.Kind)
}

// Unwrap exposes the underlying transport error for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// IsUnauthorized reports whether err is (or wraps) a cloud-plane Error of
// kind ErrorKindAuthorization, the condition that triggers a Local
// Initiative Status Override (spec.md §4.7).
func IsUnauthorized(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == ErrorKindAuthorization
	}
	return false
}
