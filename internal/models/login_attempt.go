package models

import "time"

// LoginAttemptState is the per-account failure counter.
// When LockedUntil is set, ConsecutiveFailures has reached the lockout threshold.
type LoginAttemptState struct {
	AccountID           string     `db:"account_id"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
	LockedUntil         *time.Time `db:"locked_until"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// NewLoginAttemptState returns the zero state for an account with no history.
func NewLoginAttemptState(accountID string) *LoginAttemptState {
	return &LoginAttemptState{AccountID: accountID}
}

// IsLockedAt reports whether a lock is still in force at now.
func (s *LoginAttemptState) IsLockedAt(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// LockExpiredAt reports whether a lock was set and has run out.
func (s *LoginAttemptState) LockExpiredAt(now time.Time) bool {
	return s.LockedUntil != nil && !now.Before(*s.LockedUntil)
}

// RemainingAttempts returns how many failures are left before a lock.
func (s *LoginAttemptState) RemainingAttempts(threshold int) int {
	remaining := threshold - s.ConsecutiveFailures
	if remaining < 0 {
		return 0
	}
	return remaining
}

// StatusAt computes the externally visible status, treating an expired lock as cleared.
func (s *LoginAttemptState) StatusAt(now time.Time, threshold int) *AttemptStatus {
	if s.IsLockedAt(now) {
		until := *s.LockedUntil
		return &AttemptStatus{Locked: true, LockedUntil: &until, RemainingAttempts: 0}
	}
	if s.LockExpiredAt(now) {
		return &AttemptStatus{RemainingAttempts: threshold}
	}
	return &AttemptStatus{RemainingAttempts: s.RemainingAttempts(threshold)}
}

// AttemptStatus is the read model returned by status checks.
type AttemptStatus struct {
	Locked            bool       `json:"locked"`
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`
	RemainingAttempts int        `json:"remainingAttempts"`
}

// FailureOutcome describes the state after a failed login has been recorded.
type FailureOutcome struct {
	Locked            bool
	RemainingAttempts int
	LockedUntil       *time.Time
}
