package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/civicdesk/accountguard/internal/metrics"
	"github.com/civicdesk/accountguard/internal/models"
)

// TemplateKind names the message a delivery collaborator renders
type TemplateKind string

const (
	TemplateAccountLocked      TemplateKind = "account_locked"
	TemplateAccountUnlocked    TemplateKind = "account_unlocked"
	TemplateSuspiciousActivity TemplateKind = "suspicious_activity"
	TemplateNewDeviceLogin     TemplateKind = "new_device_login"
	TemplateDeviceConfirmed    TemplateKind = "device_confirmed"
	TemplateDeviceDenied       TemplateKind = "device_denied"
)

// Notification defaults
const (
	DefaultSendTimeout = 5 * time.Second
	DefaultMaxInFlight = 32
)

type notificationRule struct {
	kind TemplateKind
	flag models.PreferenceFlag
}

// LOGIN_SUCCESS and LOGIN_FAILURE are deliberately absent: they never notify.
var notificationRules = map[models.EventType]notificationRule{
	models.EventAccountLocked:      {TemplateAccountLocked, models.FlagSecurityAlerts},
	models.EventSuspiciousActivity: {TemplateSuspiciousActivity, models.FlagSecurityAlerts},
	models.EventDeviceDenied:       {TemplateDeviceDenied, models.FlagSecurityAlerts},
	models.EventNewDeviceLogin:     {TemplateNewDeviceLogin, models.FlagNewDeviceLogins},
	models.EventDeviceConfirmed:    {TemplateDeviceConfirmed, models.FlagAccountActivity},
	models.EventAccountUnlocked:    {TemplateAccountUnlocked, models.FlagAccountActivity},
}

// NotificationFor returns the template and preference flag an event type maps to.
func NotificationFor(t models.EventType) (TemplateKind, models.PreferenceFlag, bool) {
	rule, ok := notificationRules[t]
	return rule.kind, rule.flag, ok
}

// NotificationPayload is handed to the delivery collaborator
type NotificationPayload struct {
	EventID    int64
	EventType  models.EventType
	Severity   models.Severity
	OccurredAt time.Time
	OriginIP   string
	Details    models.EventDetails
}

// DeliveryReceipt identifies an accepted message
type DeliveryReceipt struct {
	MessageID string
}

// NotificationSender delivers a rendered notification to an account holder
type NotificationSender interface {
	Send(ctx context.Context, accountID string, kind TemplateKind, payload NotificationPayload) (*DeliveryReceipt, error)
}

// PreferencesRepository defines notification preference storage
type PreferencesRepository interface {
	Get(ctx context.Context, accountID string) (*models.NotificationPreferences, error)
	Upsert(ctx context.Context, prefs *models.NotificationPreferences) error
}

// DispatcherConfig bounds delivery concurrency and latency
type DispatcherConfig struct {
	SendTimeout time.Duration
	MaxInFlight int
}

// NotificationService decides which events notify the account holder and delivers
// them in the background. Delivery never blocks or fails the security action.
type NotificationService struct {
	prefs    PreferencesRepository
	sender   NotificationSender
	sem      *semaphore.Weighted
	timeout  time.Duration
	wg       sync.WaitGroup
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(prefs PreferencesRepository, sender NotificationSender, cfg DispatcherConfig, recorder *metrics.Recorder, logger *slog.Logger) *NotificationService {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &NotificationService{
		prefs:    prefs,
		sender:   sender,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		timeout:  cfg.SendTimeout,
		recorder: recorder,
		logger:   logger,
	}
}

// Dispatch schedules delivery for a committed event and returns immediately.
// When every delivery slot is busy the notification is dropped and counted.
func (s *NotificationService) Dispatch(ctx context.Context, event *models.SecurityEvent) {
	kind, flag, ok := NotificationFor(event.Type)
	if !ok || event.AccountID == "" {
		return
	}

	if !s.sem.TryAcquire(1) {
		s.recorder.Notification(string(kind), metrics.NotifyDropped)
		s.logger.WarnContext(ctx, "notification dropped, delivery pool saturated",
			slog.String("account_id", event.AccountID),
			slog.String("kind", string(kind)))
		return
	}

	payload := NotificationPayload{
		EventID:    event.ID,
		EventType:  event.Type,
		Severity:   event.Severity,
		OccurredAt: event.Timestamp,
		OriginIP:   event.OriginIP,
		Details:    event.Details,
	}
	accountID := event.AccountID
	sendCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)

		ctx, cancel := context.WithTimeout(sendCtx, s.timeout)
		defer cancel()
		s.deliver(ctx, accountID, kind, flag, payload)
	}()
}

func (s *NotificationService) deliver(ctx context.Context, accountID string, kind TemplateKind, flag models.PreferenceFlag, payload NotificationPayload) {
	prefs, err := s.GetPreferences(ctx, accountID)
	if err != nil {
		s.recorder.Notification(string(kind), metrics.NotifyFailed)
		s.logger.ErrorContext(ctx, "notification preference lookup failed",
			slog.String("account_id", accountID),
			slog.Any("error", err))
		return
	}
	if !prefs.Allows(flag) {
		s.recorder.Notification(string(kind), metrics.NotifyDisabled)
		s.logger.DebugContext(ctx, "notification suppressed by preferences",
			slog.String("account_id", accountID),
			slog.String("kind", string(kind)))
		return
	}

	receipt, err := s.sender.Send(ctx, accountID, kind, payload)
	if err != nil {
		s.recorder.Notification(string(kind), metrics.NotifyFailed)
		s.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("account_id", accountID),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return
	}

	s.recorder.Notification(string(kind), metrics.NotifySent)
	attrs := []any{slog.String("account_id", accountID), slog.String("kind", string(kind))}
	if receipt != nil {
		attrs = append(attrs, slog.String("message_id", receipt.MessageID))
	}
	s.logger.InfoContext(ctx, "notification sent", attrs...)
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (s *NotificationService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPreferences returns the stored preferences or the all-enabled defaults.
func (s *NotificationService) GetPreferences(ctx context.Context, accountID string) (*models.NotificationPreferences, error) {
	prefs, err := s.prefs.Get(ctx, accountID)
	if errors.Is(err, models.ErrNotFound) {
		return models.DefaultNotificationPreferences(accountID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load notification preferences: %w", err)
	}
	return prefs, nil
}

// PreferencesUpdate carries optional changes; nil fields keep their current value.
type PreferencesUpdate struct {
	EmailNotifications *bool
	SecurityAlerts     *bool
	AccountActivity    *bool
	NewDeviceLogins    *bool
}

// UpdatePreferences applies a partial update and returns the saved preferences.
func (s *NotificationService) UpdatePreferences(ctx context.Context, accountID string, update PreferencesUpdate) (*models.NotificationPreferences, error) {
	prefs, err := s.GetPreferences(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if update.EmailNotifications != nil {
		prefs.EmailNotifications = *update.EmailNotifications
	}
	if update.SecurityAlerts != nil {
		prefs.SecurityAlerts = *update.SecurityAlerts
	}
	if update.AccountActivity != nil {
		prefs.AccountActivity = *update.AccountActivity
	}
	if update.NewDeviceLogins != nil {
		prefs.NewDeviceLogins = *update.NewDeviceLogins
	}
	prefs.AccountID = accountID
	prefs.UpdatedAt = time.Now().UTC()

	if err := s.prefs.Upsert(ctx, prefs); err != nil {
		return nil, fmt.Errorf("save notification preferences: %w", err)
	}
	return prefs, nil
}
