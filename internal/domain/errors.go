package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a message id or address does not resolve.
var ErrNotFound = errors.New("not found")

// StoreError wraps a persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// SuppressedError is the error form of a negative SendDecision for callers
// that need one.
type SuppressedError struct {
	Email    string
	Decision SendDecision
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("address suppressed (%s): %s", e.Decision.SuppressionType, e.Decision.Reason)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
