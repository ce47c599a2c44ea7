package suspension

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps suspension store failures and timeouts. Unlike the
	// rate limiter, suspension never fails open.
	ErrStoreUnavailable = errors.New("suspension store unavailable")
	// ErrConcurrentModification is returned when a transition lost a race twice
	ErrConcurrentModification = errors.New("suspension profile was modified concurrently")
	// ErrUserNotFound is returned when the target user does not exist
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionRevoked is returned for sessions terminated because of a restriction
	ErrSessionRevoked = errors.New("session revoked")
)

// Validation error codes
const (
	CodeInvalidDuration   = "invalid_duration"
	CodeInvalidCategory   = "invalid_category"
	CodeInvalidReason     = "invalid_reason"
	CodeInvalidTransition = "invalid_transition"
	CodeSoleOwner         = "sole_owner"
	CodeInsufficientPriv  = "insufficient_privilege"
)

// ValidationError rejects a transition before anything is written
type ValidationError struct {
	Code   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Reason)
}

// Forbidden reports whether the rejection is about the actor's privileges
func (e *ValidationError) Forbidden() bool {
	return e.Code == CodeInsufficientPriv
}

func invalid(code, field, reason string) error {
	return &ValidationError{Code: code, Field: field, Reason: reason}
}

func forbidden(reason string) error {
	return &ValidationError{Code: CodeInsufficientPriv, Field: "actor", Reason: reason}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
