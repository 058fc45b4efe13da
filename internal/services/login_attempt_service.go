package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicdesk/accountguard/internal/metrics"
	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/repositories"
)

// LoginAttemptRepository reads attempt state outside of a transaction
type LoginAttemptRepository interface {
	GetState(ctx context.Context, accountID string) (*models.LoginAttemptState, error)
}

// LockoutPolicy holds the lockout threshold and duration
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy locks after 5 consecutive failures for 15 minutes
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold: 5,
		Duration:  15 * time.Minute,
	}
}

// LoginAttemptService tracks consecutive failures per account and applies lockouts.
// Every state change commits together with the event that records it.
type LoginAttemptService struct {
	tx       repositories.TxRunner
	repo     LoginAttemptRepository
	events   *EventLogService
	policy   LockoutPolicy
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// NewLoginAttemptService creates a new LoginAttemptService
func NewLoginAttemptService(tx repositories.TxRunner, repo LoginAttemptRepository, events *EventLogService, policy LockoutPolicy, recorder *metrics.Recorder, logger *slog.Logger) *LoginAttemptService {
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultLockoutPolicy().Threshold
	}
	if policy.Duration <= 0 {
		policy.Duration = DefaultLockoutPolicy().Duration
	}
	return &LoginAttemptService{
		tx:       tx,
		repo:     repo,
		events:   events,
		policy:   policy,
		recorder: recorder,
		logger:   logger,
	}
}

// Policy returns the active lockout policy
func (s *LoginAttemptService) Policy() LockoutPolicy {
	return s.policy
}

// CheckStatus reports the lock state without changing it. An expired lock reads as unlocked.
func (s *LoginAttemptService) CheckStatus(ctx context.Context, accountID string) (*models.AttemptStatus, error) {
	state, err := s.repo.GetState(ctx, accountID)
	if errors.Is(err, models.ErrNotFound) {
		state = models.NewLoginAttemptState(accountID)
	} else if err != nil {
		return nil, fmt.Errorf("load attempt state: %w", err)
	}
	return state.StatusAt(s.events.Now(), s.policy.Threshold), nil
}

// RecordFailure counts a failed credential check.
// Reaching the threshold locks the account and emits ACCOUNT_LOCKED. A failure while
// the account is still locked leaves the lock alone and emits SUSPICIOUS_ACTIVITY.
func (s *LoginAttemptService) RecordFailure(ctx context.Context, accountID, originIP string, details models.EventDetails) (*models.FailureOutcome, error) {
	var outcome *models.FailureOutcome
	var committed []*models.SecurityEvent

	err := s.tx.WithTx(ctx, func(tx repositories.Tx) error {
		committed = committed[:0]
		now := s.events.Now()

		state, err := tx.LockAttemptState(ctx, accountID)
		if err != nil {
			return err
		}

		appendEvent := func(e *models.SecurityEvent) error {
			if _, err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
			committed = append(committed, e)
			return nil
		}

		if state.IsLockedAt(now) {
			until := *state.LockedUntil
			outcome = &models.FailureOutcome{Locked: true, LockedUntil: &until}
			return appendEvent(s.events.newEvent(accountID, models.EventSuspiciousActivity, models.SeverityMedium, originIP, withDetails(details, models.EventDetails{
				models.DetailReason:      "attempt_while_locked",
				models.DetailLockedUntil: until.Format(time.RFC3339),
			})))
		}

		if state.LockExpiredAt(now) {
			if err := appendEvent(s.unlockedEvent(state, originIP)); err != nil {
				return err
			}
			state.LockedUntil = nil
			state.ConsecutiveFailures = 0
		}

		state.ConsecutiveFailures++
		state.UpdatedAt = now

		if state.ConsecutiveFailures >= s.policy.Threshold {
			until := now.Add(s.policy.Duration)
			state.LockedUntil = &until
			outcome = &models.FailureOutcome{Locked: true, LockedUntil: &until}
			if err := appendEvent(s.events.newEvent(accountID, models.EventAccountLocked, models.SeverityHigh, originIP, withDetails(details, models.EventDetails{
				models.DetailFailures:    state.ConsecutiveFailures,
				models.DetailLockedUntil: until.Format(time.RFC3339),
			}))); err != nil {
				return err
			}
		} else {
			remaining := state.RemainingAttempts(s.policy.Threshold)
			severity := models.SeverityLow
			if remaining == 1 {
				severity = models.SeverityMedium
			}
			outcome = &models.FailureOutcome{RemainingAttempts: remaining}
			if err := appendEvent(s.events.newEvent(accountID, models.EventLoginFailure, severity, originIP, withDetails(details, models.EventDetails{
				models.DetailFailures:  state.ConsecutiveFailures,
				models.DetailRemaining: remaining,
			}))); err != nil {
				return err
			}
		}

		return tx.SaveAttemptState(ctx, state)
	})
	if errors.Is(err, models.ErrAccountClosed) {
		return nil, err
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record login failure",
			slog.String("account_id", accountID),
			slog.Any("error", err))
		return nil, fmt.Errorf("record login failure: %w", err)
	}

	s.events.Committed(ctx, committed...)
	if outcome.Locked && len(committed) > 0 && committed[len(committed)-1].Type == models.EventAccountLocked {
		s.recorder.Lockout()
		s.logger.WarnContext(ctx, "account locked",
			slog.String("account_id", accountID),
			slog.Time("locked_until", *outcome.LockedUntil))
	}
	return outcome, nil
}

// RecordSuccess resets the failure counter after a completed login.
// It refuses with a *models.LockedError while a lock is in force; an expired lock is
// cleared and ACCOUNT_UNLOCKED is emitted before LOGIN_SUCCESS.
func (s *LoginAttemptService) RecordSuccess(ctx context.Context, accountID, originIP string, details models.EventDetails) error {
	var committed []*models.SecurityEvent

	err := s.tx.WithTx(ctx, func(tx repositories.Tx) error {
		var err error
		committed, err = s.recordSuccessTx(ctx, tx, accountID, originIP, details)
		return err
	})
	if err != nil {
		return s.successError(ctx, accountID, err)
	}

	s.events.Committed(ctx, committed...)
	return nil
}

// recordSuccessTx applies a success inside the caller's transaction and returns the
// events to hand over once it commits.
func (s *LoginAttemptService) recordSuccessTx(ctx context.Context, tx repositories.Tx, accountID, originIP string, details models.EventDetails) ([]*models.SecurityEvent, error) {
	var committed []*models.SecurityEvent
	now := s.events.Now()

	state, err := tx.LockAttemptState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if state.IsLockedAt(now) {
		return nil, &models.LockedError{LockedUntil: *state.LockedUntil}
	}

	if state.LockExpiredAt(now) {
		unlocked := s.unlockedEvent(state, originIP)
		if _, err := tx.AppendEvent(ctx, unlocked); err != nil {
			return nil, err
		}
		committed = append(committed, unlocked)
	}

	state.ConsecutiveFailures = 0
	state.LockedUntil = nil
	state.UpdatedAt = now
	if err := tx.SaveAttemptState(ctx, state); err != nil {
		return nil, err
	}

	success := s.events.newEvent(accountID, models.EventLoginSuccess, models.SeverityLow, originIP, withDetails(details, nil))
	if _, err := tx.AppendEvent(ctx, success); err != nil {
		return nil, err
	}
	return append(committed, success), nil
}

func (s *LoginAttemptService) successError(ctx context.Context, accountID string, err error) error {
	var locked *models.LockedError
	if errors.As(err, &locked) || errors.Is(err, models.ErrAccountClosed) {
		return err
	}
	s.logger.ErrorContext(ctx, "failed to record login success",
		slog.String("account_id", accountID),
		slog.Any("error", err))
	return fmt.Errorf("record login success: %w", err)
}

func (s *LoginAttemptService) unlockedEvent(state *models.LoginAttemptState, originIP string) *models.SecurityEvent {
	return s.events.newEvent(state.AccountID, models.EventAccountUnlocked, models.SeverityLow, originIP, models.EventDetails{
		models.DetailReason:      "lock_expired",
		models.DetailLockedUntil: state.LockedUntil.Format(time.RFC3339),
	})
}

// withDetails returns a fresh map holding base overlaid with extra.
func withDetails(base, extra models.EventDetails) models.EventDetails {
	out := make(models.EventDetails, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
