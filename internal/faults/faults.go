// Package faults classifies errors crossing the manager boundaries so callers
// can tell a bad input from an unreachable store from a subsystem that never
// finished starting.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the handling class of an error.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// KindValidation marks malformed input.
	KindValidation
	// KindTransient marks connectivity or timeout failures that the caller may retry.
	KindTransient
	// KindNotConfigured marks a dependency that was never initialised.
	KindNotConfigured
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindNotConfigured:
		return "not_configured"
	default:
		return "unknown"
	}
}

var (
	// ErrStoreUnavailable is wrapped by transient store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotConfigured is wrapped by configuration failures.
	ErrNotConfigured = errors.New("dependency not configured")
	// ErrInvalid is wrapped by validation failures.
	ErrInvalid = errors.New("invalid input")
)

// Error wraps an error with its classification and the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation builds a validation error.
func Validation(op string, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))}
}

// Transient wraps a store or network failure. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Kind != KindUnknown {
		return err
	}
	return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("%w: %w", ErrStoreUnavailable, err)}
}

// NotConfigured builds a configuration error for a missing dependency.
func NotConfigured(op, dependency string) error {
	return &Error{Kind: KindNotConfigured, Op: op, Err: fmt.Errorf("%w: %s", ErrNotConfigured, dependency)}
}

// KindOf returns the classification of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindUnknown
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindTransient, KindNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsNotConfigured reports whether err comes from an uninitialised dependency.
func IsNotConfigured(err error) bool {
	return KindOf(err) == KindNotConfigured
}
