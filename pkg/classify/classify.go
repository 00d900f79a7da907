// Package classify implements the failure-classification and retry-eligibility
// policy shared by every processor.
//
// Failures are bucketed three ways:
//   - Temporary: transient network/rate-limit conditions, retried with an
//     extended budget (2x the task's max retries)
//   - Critical: unrecoverable auth/not-found conditions, never retried
//   - Ordinary: everything else, retried up to the task's max retries
//
// Integrations should wrap provider errors with AsTemporary/AsCritical so the
// classification is a type check. Substring matching on the error message is
// kept as a fallback for untyped third-party errors.
package classify

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the three-way bucketing of a failure.
type Class int

const (
	// Ordinary failures follow the task's default retry budget.
	Ordinary Class = iota

	// Temporary failures are transient and get an extended retry budget.
	Temporary

	// Critical failures are unrecoverable and are never retried.
	Critical
)

// String returns the class name for logs and metrics labels.
func (c Class) String() string {
	switch c {
	case Temporary:
		return "temporary"
	case Critical:
		return "critical"
	default:
		return "ordinary"
	}
}

// temporarySignatures is the vocabulary of transient-failure messages seen
// from channel providers and the tax-authority gateway.
var temporarySignatures = []string{
	"etimedout",
	"econnreset",
	"econnrefused",
	"rate limit",
	"timeout",
	"socket hang up",
	"connection reset",
	"connection refused",
	"context deadline exceeded",
}

// criticalSignatures is the vocabulary of unrecoverable-failure messages.
// The Portuguese entries come from the domain services (record lookups).
var criticalSignatures = []string{
	"authentication failed",
	"invalid credentials",
	"account suspended",
	"channel not found",
	"access denied",
	"não encontrada",
	"não disponível",
}

// Error wraps a provider error with an explicit classification, so that
// Classify can do a type check instead of matching message text.
type Error struct {
	Class Class
	Err   error
}

// Error returns the wrapped error's message.
func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the wrapped error to errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// AsTemporary wraps err as a temporary failure.
func AsTemporary(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: Temporary, Err: err}
}

// AsCritical wraps err as a critical failure.
func AsCritical(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: Critical, Err: err}
}

// Classify buckets an error into one of the three classes.
//
// A typed *Error anywhere in the chain wins. Otherwise the error message is
// matched against the critical vocabulary first, then the temporary one, so
// that a message carrying both kinds of signature is treated as unrecoverable.
// Anything unmatched is Ordinary.
func Classify(err error) Class {
	if err == nil {
		return Ordinary
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Class
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range criticalSignatures {
		if strings.Contains(msg, sig) {
			return Critical
		}
	}
	for _, sig := range temporarySignatures {
		if strings.Contains(msg, sig) {
			return Temporary
		}
	}
	return Ordinary
}

// CanRetry is the single source of truth for retry eligibility, consulted by
// the dispatcher before requeueing a failed task.
//
//	Critical  → never
//	Temporary → retries < maxRetries * 2
//	Ordinary  → retries < maxRetries
func CanRetry(retries, maxRetries int, class Class) bool {
	switch class {
	case Critical:
		return false
	case Temporary:
		return retries < maxRetries*2
	default:
		return retries < maxRetries
	}
}

// ValidationError marks a malformed task payload. Payload errors indicate a
// caller bug, not a transient condition, so they are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for a payload field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// UnknownTaskTypeError is returned when no processor is registered for a
// task's type. Fatal for that task and never retried.
type UnknownTaskTypeError struct {
	Type string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("no processor registered for task type %q", e.Type)
}
