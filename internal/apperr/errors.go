// Package apperr defines the error kinds every operation collapses its
// failures into before they reach a caller.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")
)

// FieldError is an InvalidInput failure tied to a single request field.
// The message is shown to the caller, so it must never carry secrets.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *FieldError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Invalid returns an InvalidInput error for field.
func Invalid(field, message string) error {
	return &FieldError{Field: field, Message: message}
}

// Internal wraps a storage or crypto failure so that it matches
// ErrInternal while keeping the cause for logs.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// Kind is the user-facing category of an error.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindInvalidInput
	KindConflict
	KindRateLimited
)

// KindOf maps err to its category. Anything unrecognised is internal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal_error"
	}
}
