package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicdesk/accountguard/internal/auth"
	"github.com/civicdesk/accountguard/internal/metrics"
	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/repositories"
)

// IdentityStore is the credential collaborator used by the login flow
type IdentityStore interface {
	ResolveAccount(ctx context.Context, email string) (string, error)
	VerifyCredentials(ctx context.Context, email, password string) (string, error)
	BurnHash(password string)
}

// SessionIssuer mints session tokens once a login has completed
type SessionIssuer interface {
	IssueSession(accountID, role string) (*models.SessionToken, error)
}

// LoginRequest is one credential submission
type LoginRequest struct {
	Email    string
	Password string
	Origin   models.RequestOrigin
}

// LoginResult holds either a session or an open device confirmation
type LoginResult struct {
	Session *models.SessionToken
	Pending *models.PendingDeviceConfirmation
}

// ErrInvalidCredentials is returned for unknown accounts and wrong passwords alike
var ErrInvalidCredentials = fmt.Errorf("%w: invalid email or password", models.ErrUnauthorized)

// LoginService runs the login flow: lock check, credential check, device gate, session.
// No session exists until the device is trusted or confirmed.
type LoginService struct {
	identity IdentityStore
	tracker  *LoginAttemptService
	devices  *DeviceTrustService
	accounts AccountLookup
	sessions SessionIssuer
	timing   *auth.TimingDelay
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// NewLoginService creates a new LoginService
func NewLoginService(identity IdentityStore, tracker *LoginAttemptService, devices *DeviceTrustService, accounts AccountLookup, sessions SessionIssuer, timing *auth.TimingDelay, recorder *metrics.Recorder, logger *slog.Logger) *LoginService {
	return &LoginService{
		identity: identity,
		tracker:  tracker,
		devices:  devices,
		accounts: accounts,
		sessions: sessions,
		timing:   timing,
		recorder: recorder,
		logger:   logger,
	}
}

// Login authenticates a credential submission.
//
// Failures return ErrInvalidCredentials or a *models.LockedError, padded to a common
// duration. A correct password from an untrusted device returns a pending
// confirmation instead of a session.
func (s *LoginService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := time.Now()
	fail := func(outcome string, err error) (*LoginResult, error) {
		s.recorder.Login(outcome)
		s.timing.WaitFrom(ctx, start)
		return nil, err
	}
	// an account closed after it was resolved looks like any unknown account
	closed := func(err error) bool {
		return errors.Is(err, models.ErrAccountClosed)
	}

	accountID, err := s.identity.ResolveAccount(ctx, req.Email)
	if errors.Is(err, models.ErrUnauthorized) {
		s.identity.BurnHash(req.Password)
		return fail(metrics.LoginUnknownAccount, ErrInvalidCredentials)
	}
	if err != nil {
		return nil, err
	}

	details := originDetails(req.Origin)

	status, err := s.tracker.CheckStatus(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if status.Locked {
		s.identity.BurnHash(req.Password)
		outcome, err := s.tracker.RecordFailure(ctx, accountID, req.Origin.IP, details)
		if closed(err) {
			return fail(metrics.LoginUnknownAccount, ErrInvalidCredentials)
		}
		if err != nil {
			return nil, err
		}
		if outcome.Locked {
			return fail(metrics.LoginLocked, &models.LockedError{LockedUntil: *outcome.LockedUntil})
		}
		// the lock ran out between the check and the record
		return fail(metrics.LoginFailed, ErrInvalidCredentials)
	}

	if _, err := s.identity.VerifyCredentials(ctx, req.Email, req.Password); err != nil {
		if !errors.Is(err, models.ErrUnauthorized) {
			return nil, err
		}
		outcome, err := s.tracker.RecordFailure(ctx, accountID, req.Origin.IP, details)
		if closed(err) {
			return fail(metrics.LoginUnknownAccount, ErrInvalidCredentials)
		}
		if err != nil {
			return nil, err
		}
		if outcome.Locked {
			return fail(metrics.LoginLocked, &models.LockedError{LockedUntil: *outcome.LockedUntil})
		}
		return fail(metrics.LoginFailed, ErrInvalidCredentials)
	}

	fingerprint := req.Origin.Fingerprint()
	identity, err := s.devices.Identify(ctx, accountID, fingerprint)
	if err != nil {
		return nil, err
	}

	if !identity.Trusted() {
		pending, err := s.devices.BeginConfirmation(ctx, accountID, req.Origin)
		if closed(err) {
			return fail(metrics.LoginUnknownAccount, ErrInvalidCredentials)
		}
		if err != nil {
			return nil, err
		}
		s.recorder.Login(metrics.LoginDeviceChallenge)
		s.logger.InfoContext(ctx, "login held for device confirmation",
			slog.String("account_id", accountID),
			slog.String("pending_id", pending.ID),
			slog.Bool("known_device", identity.Known))
		return &LoginResult{Pending: pending}, nil
	}

	session, err := s.complete(ctx, accountID, req.Origin.IP, details)
	if err != nil {
		var locked *models.LockedError
		if errors.As(err, &locked) {
			return fail(metrics.LoginLocked, err)
		}
		if closed(err) {
			return fail(metrics.LoginUnknownAccount, ErrInvalidCredentials)
		}
		return nil, err
	}
	if err := s.devices.MarkSeen(ctx, accountID, fingerprint); err != nil {
		s.logger.WarnContext(ctx, "failed to refresh device last seen",
			slog.String("account_id", accountID),
			slog.Any("error", err))
	}
	return &LoginResult{Session: session}, nil
}

// ConfirmDevice accepts a pending confirmation and completes the held login.
// The device is recorded and the login success counted in one transaction, so an
// account locked while the prompt was open gets a *models.LockedError and the prompt
// stays open with the device unrecorded.
func (s *LoginService) ConfirmDevice(ctx context.Context, pendingID string, trustDevice bool) (*models.SessionToken, error) {
	outcome, err := s.devices.confirm(ctx, pendingID, trustDevice, func(tx repositories.Tx, pending *models.PendingDeviceConfirmation) ([]*models.SecurityEvent, error) {
		details := models.EventDetails{
			models.DetailUserAgent:   pending.UserAgent,
			models.DetailFingerprint: pending.Fingerprint,
			models.DetailPendingID:   pending.ID,
		}
		return s.tracker.recordSuccessTx(ctx, tx, pending.AccountID, pending.OriginIP, details)
	})
	if err != nil {
		var locked *models.LockedError
		if errors.As(err, &locked) {
			s.recorder.Login(metrics.LoginLocked)
		}
		return nil, err
	}

	session, err := s.issueSession(ctx, outcome.Pending.AccountID)
	if errors.Is(err, models.ErrAccountClosed) {
		return nil, fmt.Errorf("%w: account has been deleted", models.ErrNotFound)
	}
	return session, err
}

// DenyDevice rejects a pending confirmation. The held login never receives a session.
func (s *LoginService) DenyDevice(ctx context.Context, pendingID string) error {
	pending, err := s.devices.Deny(ctx, pendingID)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "device denied",
		slog.String("account_id", pending.AccountID),
		slog.String("pending_id", pending.ID))
	return nil
}

func (s *LoginService) complete(ctx context.Context, accountID, originIP string, details models.EventDetails) (*models.SessionToken, error) {
	if err := s.tracker.RecordSuccess(ctx, accountID, originIP, details); err != nil {
		return nil, err
	}
	return s.issueSession(ctx, accountID)
}

func (s *LoginService) issueSession(ctx context.Context, accountID string) (*models.SessionToken, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !account.IsActive() {
		return nil, models.ErrAccountClosed
	}

	session, err := s.sessions.IssueSession(account.ID, account.Role)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	s.recorder.Login(metrics.LoginSucceeded)
	return session, nil
}

func originDetails(origin models.RequestOrigin) models.EventDetails {
	details := models.EventDetails{
		models.DetailUserAgent:   origin.UserAgent,
		models.DetailFingerprint: origin.Fingerprint(),
	}
	if origin.ClientDeviceID != "" {
		details[models.DetailClientDevice] = origin.ClientDeviceID
	}
	return details
}
