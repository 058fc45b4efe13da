package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/repositories"
)

// DefaultConfirmWindow is how long a device confirmation prompt stays open
const DefaultConfirmWindow = 10 * time.Minute

// Deny reasons recorded on DEVICE_DENIED events
const (
	DenyReasonUser    = "user_denied"
	DenyReasonExpired = "expired"
	DenyReasonRevoked = "revoked"
)

// DeviceRepository defines device record reads and non-transactional writes
type DeviceRepository interface {
	Get(ctx context.Context, accountID, fingerprint string) (*models.DeviceRecord, error)
	ListByAccount(ctx context.Context, accountID string) ([]*models.DeviceRecord, error)
	Touch(ctx context.Context, accountID, fingerprint string, seenAt time.Time) error
}

// PendingConfirmationRepository defines pending confirmation reads
type PendingConfirmationRepository interface {
	GetByID(ctx context.Context, id string) (*models.PendingDeviceConfirmation, error)
}

// DeviceTrustService recognizes returning devices and gates unknown ones behind
// an explicit confirmation by the account holder.
type DeviceTrustService struct {
	tx      repositories.TxRunner
	devices DeviceRepository
	pending PendingConfirmationRepository
	events  *EventLogService
	window  time.Duration
	logger  *slog.Logger
}

// NewDeviceTrustService creates a new DeviceTrustService
func NewDeviceTrustService(tx repositories.TxRunner, devices DeviceRepository, pending PendingConfirmationRepository, events *EventLogService, window time.Duration, logger *slog.Logger) *DeviceTrustService {
	if window <= 0 {
		window = DefaultConfirmWindow
	}
	return &DeviceTrustService{
		tx:      tx,
		devices: devices,
		pending: pending,
		events:  events,
		window:  window,
		logger:  logger,
	}
}

// Identify looks the fingerprint up for the account.
func (s *DeviceTrustService) Identify(ctx context.Context, accountID, fingerprint string) (*models.DeviceIdentity, error) {
	device, err := s.devices.Get(ctx, accountID, fingerprint)
	if errors.Is(err, models.ErrNotFound) {
		return &models.DeviceIdentity{Known: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identify device: %w", err)
	}
	return &models.DeviceIdentity{Known: true, Device: device}, nil
}

// MarkSeen refreshes last_seen for a trusted device used to log in.
func (s *DeviceTrustService) MarkSeen(ctx context.Context, accountID, fingerprint string) error {
	if err := s.devices.Touch(ctx, accountID, fingerprint, s.events.Now()); err != nil {
		return fmt.Errorf("mark device seen: %w", err)
	}
	return nil
}

// BeginConfirmation opens a confirmation prompt for the device, replacing any open
// prompt for the same account and fingerprint, and emits NEW_DEVICE_LOGIN.
func (s *DeviceTrustService) BeginConfirmation(ctx context.Context, accountID string, origin models.RequestOrigin) (*models.PendingDeviceConfirmation, error) {
	var pending *models.PendingDeviceConfirmation
	var event *models.SecurityEvent

	err := s.tx.WithTx(ctx, func(tx repositories.Tx) error {
		now := s.events.Now()
		pending = &models.PendingDeviceConfirmation{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			Fingerprint: origin.Fingerprint(),
			OriginIP:    origin.IP,
			UserAgent:   origin.UserAgent,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.window),
		}
		if err := tx.ReplacePending(ctx, pending); err != nil {
			return err
		}

		details := models.EventDetails{
			models.DetailFingerprint: pending.Fingerprint,
			models.DetailPendingID:   pending.ID,
			models.DetailUserAgent:   origin.UserAgent,
			models.DetailExpiresAt:   pending.ExpiresAt.Format(time.RFC3339),
		}
		if origin.ClientDeviceID != "" {
			details[models.DetailClientDevice] = origin.ClientDeviceID
		}
		event = s.events.newEvent(accountID, models.EventNewDeviceLogin, models.SeverityMedium, origin.IP, details)
		_, err := tx.AppendEvent(ctx, event)
		return err
	})
	if errors.Is(err, models.ErrAccountClosed) {
		return nil, err
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to open device confirmation",
			slog.String("account_id", accountID),
			slog.Any("error", err))
		return nil, fmt.Errorf("begin device confirmation: %w", err)
	}

	s.events.Committed(ctx, event)
	return pending, nil
}

// confirmHook runs inside the confirmation transaction after the device is recorded.
// An error rolls everything back, leaving the prompt open and the device unrecorded.
type confirmHook func(tx repositories.Tx, pending *models.PendingDeviceConfirmation) ([]*models.SecurityEvent, error)

// Confirm accepts a pending confirmation and records the device, trusted when
// trustDevice is set. The pending record is consumed either way.
// Missing records return models.ErrNotFound and expired ones models.ErrExpired.
func (s *DeviceTrustService) Confirm(ctx context.Context, pendingID string, trustDevice bool) (*models.ConfirmationOutcome, error) {
	return s.confirm(ctx, pendingID, trustDevice, nil)
}

func (s *DeviceTrustService) confirm(ctx context.Context, pendingID string, trustDevice bool, hook confirmHook) (*models.ConfirmationOutcome, error) {
	var outcome *models.ConfirmationOutcome
	var committed []*models.SecurityEvent
	expired := false

	err := s.tx.WithTx(ctx, func(tx repositories.Tx) error {
		expired = false
		committed = committed[:0]
		now := s.events.Now()

		pending, err := tx.LockPending(ctx, pendingID)
		if err != nil {
			return err
		}
		if err := tx.DeletePending(ctx, pendingID); err != nil {
			return err
		}
		if pending.IsExpiredAt(now) {
			expired = true
			event := s.expiredEvent(pending)
			if _, err := tx.AppendEvent(ctx, event); err != nil {
				return err
			}
			committed = append(committed, event)
			return nil
		}

		device, err := tx.GetDevice(ctx, pending.AccountID, pending.Fingerprint)
		if errors.Is(err, models.ErrNotFound) {
			device = &models.DeviceRecord{
				AccountID:   pending.AccountID,
				Fingerprint: pending.Fingerprint,
				FirstSeen:   now,
			}
		} else if err != nil {
			return err
		}
		device.Label = models.DeviceLabel(pending.UserAgent)
		device.LastSeen = now
		device.Trusted = trustDevice
		if err := tx.UpsertDevice(ctx, device); err != nil {
			return err
		}

		event := s.events.newEvent(pending.AccountID, models.EventDeviceConfirmed, models.SeverityLow, pending.OriginIP, models.EventDetails{
			models.DetailFingerprint: pending.Fingerprint,
			models.DetailPendingID:   pending.ID,
			models.DetailTrusted:     trustDevice,
		})
		if _, err := tx.AppendEvent(ctx, event); err != nil {
			return err
		}
		committed = append(committed, event)

		if hook != nil {
			extra, err := hook(tx, pending)
			if err != nil {
				return err
			}
			committed = append(committed, extra...)
		}
		outcome = &models.ConfirmationOutcome{Pending: pending, Device: device}
		return nil
	})
	if err != nil {
		return nil, s.resolutionError(ctx, "confirm", pendingID, err)
	}

	s.events.Committed(ctx, committed...)
	if expired {
		return nil, fmt.Errorf("%w: device confirmation window has closed", models.ErrExpired)
	}
	return outcome, nil
}

// Deny rejects a pending confirmation and emits DEVICE_DENIED. No device record is
// created and no session exists for the attempt, so the login stays blocked.
func (s *DeviceTrustService) Deny(ctx context.Context, pendingID string) (*models.PendingDeviceConfirmation, error) {
	var resolved *models.PendingDeviceConfirmation
	var event *models.SecurityEvent
	expired := false

	err := s.tx.WithTx(ctx, func(tx repositories.Tx) error {
		expired = false
		pending, err := tx.LockPending(ctx, pendingID)
		if err != nil {
			return err
		}
		if err := tx.DeletePending(ctx, pendingID); err != nil {
			return err
		}
		if pending.IsExpiredAt(s.events.Now()) {
			expired = true
			event = s.expiredEvent(pending)
		} else {
			event = s.events.newEvent(pending.AccountID, models.EventDeviceDenied, models.SeverityHigh, pending.OriginIP, models.EventDetails{
				models.DetailFingerprint: pending.Fingerprint,
				models.DetailPendingID:   pending.ID,
				models.DetailReason:      DenyReasonUser,
			})
		}
		if _, err := tx.AppendEvent(ctx, event); err != nil {
			return err
		}
		resolved = pending
		return nil
	})
	if err != nil {
		return nil, s.resolutionError(ctx, "deny", pendingID, err)
	}

	s.events.Committed(ctx, event)
	if expired {
		return nil, fmt.Errorf("%w: device confirmation window has closed", models.ErrExpired)
	}
	return resolved, nil
}

// ListDevices returns the account's recorded devices, most recently seen first.
func (s *DeviceTrustService) ListDevices(ctx context.Context, accountID string) ([]*models.DeviceRecord, error) {
	devices, err := s.devices.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// RevokeDevice forgets a device so its next login needs confirmation again.
func (s *DeviceTrustService) RevokeDevice(ctx context.Context, accountID, fingerprint string) error {
	var event *models.SecurityEvent

	err := s.tx.WithTx(ctx, func(tx repositories.Tx) error {
		if err := tx.DeleteDevice(ctx, accountID, fingerprint); err != nil {
			return err
		}
		event = s.events.newEvent(accountID, models.EventDeviceDenied, models.SeverityLow, "", models.EventDetails{
			models.DetailFingerprint: fingerprint,
			models.DetailReason:      DenyReasonRevoked,
		})
		_, err := tx.AppendEvent(ctx, event)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		if errors.Is(err, models.ErrAccountClosed) {
			return fmt.Errorf("%w: %v", models.ErrNotFound, err)
		}
		return fmt.Errorf("revoke device: %w", err)
	}

	s.events.Committed(ctx, event)
	return nil
}

func (s *DeviceTrustService) expiredEvent(pending *models.PendingDeviceConfirmation) *models.SecurityEvent {
	return s.events.newEvent(pending.AccountID, models.EventDeviceDenied, models.SeverityMedium, pending.OriginIP, models.EventDetails{
		models.DetailFingerprint: pending.Fingerprint,
		models.DetailPendingID:   pending.ID,
		models.DetailReason:      DenyReasonExpired,
	})
}

func (s *DeviceTrustService) resolutionError(ctx context.Context, action, pendingID string, err error) error {
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrAccountClosed) {
		return fmt.Errorf("%w: no open device confirmation with that id", models.ErrNotFound)
	}
	var locked *models.LockedError
	if errors.As(err, &locked) {
		return err
	}
	s.logger.ErrorContext(ctx, "failed to resolve device confirmation",
		slog.String("action", action),
		slog.String("pending_id", pendingID),
		slog.Any("error", err))
	return fmt.Errorf("%s device: %w", action, err)
}
