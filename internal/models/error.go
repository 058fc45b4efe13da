package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("resource already exists")
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("validation failed")

	// Account state errors
	ErrAccountLocked = errors.New("account is temporarily locked")
	ErrAccountClosed = errors.New("account is being deleted or has been deleted")

	// Device confirmation errors
	ErrExpired = errors.New("confirmation has expired")

	// Compliance errors
	ErrPolicyViolation = errors.New("operation conflicts with retention policy")
)

// LockedError reports an active lockout together with when it ends.
type LockedError struct {
	LockedUntil time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account is temporarily locked until %s", e.LockedUntil.UTC().Format(time.RFC3339))
}

// Unwrap lets errors.Is(err, ErrAccountLocked) match.
func (e *LockedError) Unwrap() error {
	return ErrAccountLocked
}

// RetryAfter returns the time left on the lock, never negative.
func (e *LockedError) RetryAfter(now time.Time) time.Duration {
	d := e.LockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
