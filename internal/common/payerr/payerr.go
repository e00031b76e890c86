// Package payerr defines the normalized error taxonomy shared by the
// repository, provider gateway, orchestrator, and scheduler. Callers branch
// on Kind and Retryable only, never on driver- or provider-specific codes.
package payerr

import (
	"errors"
	"fmt"
)

// Kind identifies a normalized failure class.
type Kind string

const (
	// Provider-side failures.
	KindProviderConnection          Kind = "PROVIDER_CONNECTION_ERROR"
	KindProviderRateLimit           Kind = "PROVIDER_RATE_LIMIT_ERROR"
	KindProviderAuth                Kind = "PROVIDER_AUTH_ERROR"
	KindProviderInvalidRequest      Kind = "PROVIDER_INVALID_REQUEST_ERROR"
	KindProviderResourceNotFound    Kind = "PROVIDER_RESOURCE_NOT_FOUND_ERROR"
	KindProviderIdempotencyConflict Kind = "PROVIDER_IDEMPOTENCY_CONFLICT_ERROR"

	// Database-side failures.
	KindDatabaseConnection Kind = "DATABASE_CONNECTION_ERROR"
	KindDatabaseOperation  Kind = "DATABASE_OPERATION_ERROR"
	KindDatabaseIntegrity  Kind = "DATABASE_INTEGRITY_ERROR"

	// Concurrency control.
	KindConcurrentAccess Kind = "CONCURRENT_ACCESS_ERROR"
	KindLockAcquire      Kind = "LOCK_ACQUIRE_ERROR"
	KindLockRelease      Kind = "LOCK_RELEASE_ERROR"
)

// retryableByDefault maps each kind to its fixed retryable flag. Kinds whose
// retry policy is "caller decides" default to false here; the caller inspects
// Kind directly for those.
var retryableByDefault = map[Kind]bool{
	KindProviderConnection:          true,
	KindProviderRateLimit:           true,
	KindProviderAuth:                false,
	KindProviderInvalidRequest:      false,
	KindProviderResourceNotFound:    false,
	KindProviderIdempotencyConflict: false,
	KindDatabaseConnection:          true,
	KindDatabaseOperation:           true,
	KindDatabaseIntegrity:           false,
	KindConcurrentAccess:            false,
	KindLockAcquire:                 false,
	KindLockRelease:                 false,
}

// Error is the normalized error value carried across component boundaries.
type Error struct {
	Kind      Kind
	Retryable bool
	// ProviderCode holds the provider's decline or error code when the
	// failure originated at the payment gateway provider.
	ProviderCode string
	// Message is a short human-readable summary.
	Message string
	// Cause is the wrapped boundary error, if any.
	Cause error
}

// New creates a normalized error with the kind's default retryable flag.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Retryable: retryableByDefault[kind],
		Message:   message,
	}
}

// Wrap creates a normalized error wrapping a boundary cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// WithProviderCode attaches the provider's decline/error code.
func (e *Error) WithProviderCode(code string) *Error {
	e.ProviderCode = code
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the normalized kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a normalized retryable failure.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsKind reports whether err carries the given normalized kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CartPaymentCreateError wraps a failure during cart payment creation,
// carrying the normalized kind and, when the provider declined, the decline
// code for the caller to surface.
type CartPaymentCreateError struct {
	Err *Error
}

func (e *CartPaymentCreateError) Error() string {
	return fmt.Sprintf("cart payment create failed: %v", e.Err)
}

func (e *CartPaymentCreateError) Unwrap() error {
	return e.Err
}

// NewCreateError wraps err into a CartPaymentCreateError. If err is not
// already normalized it is classified as a database operation failure.
func NewCreateError(err error) *CartPaymentCreateError {
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(KindDatabaseOperation, "unclassified failure during create", err)
	}
	return &CartPaymentCreateError{Err: e}
}

// ConcurrentAccessError signals that a conditional update's optimistic
// predicate was rejected: the row's status had already moved on. It is never
// auto-retried; the caller decides.
type ConcurrentAccessError struct {
	EntityID       string
	ExpectedStatus string
}

func (e *ConcurrentAccessError) Error() string {
	return fmt.Sprintf("%s: intent %s no longer in status %s", KindConcurrentAccess, e.EntityID, e.ExpectedStatus)
}

// IsConcurrentAccess reports whether err is a rejected optimistic predicate.
func IsConcurrentAccess(err error) bool {
	var e *ConcurrentAccessError
	return errors.As(err, &e)
}
