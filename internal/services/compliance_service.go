package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/civicdesk/accountguard/internal/models"
	pkglogger "github.com/civicdesk/accountguard/pkg/logger"
)

// Compliance actions written to the audit log
const (
	ComplianceActionExport = "data_export"
	ComplianceActionDelete = "account_deletion"
)

// ComplianceAccountRepository reads, closes and scrubs account rows
type ComplianceAccountRepository interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	MarkDeleting(ctx context.Context, id string) error
	Scrub(ctx context.Context, id string, at time.Time) error
}

// ComplaintSource reads the portal's complaint data for an account
type ComplaintSource interface {
	SummaryForAccount(ctx context.Context, accountID string) (*models.ComplaintSummary, error)
}

// ComplianceEventRepository defines the event log operations used by deletion
type ComplianceEventRepository interface {
	AnonymizeAccount(ctx context.Context, accountID, ref string) (int64, error)
	DeleteAccountEventsBefore(ctx context.Context, accountID string, types []models.EventType, before time.Time) (int64, error)
}

// SessionRevoker invalidates every session an account holds
type SessionRevoker interface {
	RevokeAllAccountTokens(ctx context.Context, accountID string, revokedAt, expiresAt time.Time, reason string) error
}

// DeviceStore lists and purges device records
type DeviceStore interface {
	ListByAccount(ctx context.Context, accountID string) ([]*models.DeviceRecord, error)
	DeleteByAccount(ctx context.Context, accountID string) (int64, error)
}

// PendingPurger removes open device confirmations
type PendingPurger interface {
	DeleteByAccount(ctx context.Context, accountID string) (int64, error)
}

// AccountPurger removes a per-account row
type AccountPurger interface {
	DeleteByAccount(ctx context.Context, accountID string) error
}

// PreferencesStore reads and purges notification preferences
type PreferencesStore interface {
	Get(ctx context.Context, accountID string) (*models.NotificationPreferences, error)
	DeleteByAccount(ctx context.Context, accountID string) error
}

// ComplianceStores groups the collaborators the compliance engine reads and purges
type ComplianceStores struct {
	Accounts    ComplianceAccountRepository
	Complaints  ComplaintSource
	Events      ComplianceEventRepository
	Devices     DeviceStore
	Pending     PendingPurger
	Attempts    AccountPurger
	Credentials AccountPurger
	Preferences PreferencesStore
	Sessions    SessionRevoker
}

// ComplianceService answers data-subject export and deletion requests under the
// retention policy.
type ComplianceService struct {
	stores     ComplianceStores
	eventLog   *EventLogService
	policy     models.RetentionPolicy
	sessionTTL time.Duration
	audit      *pkglogger.AuditLogger
	logger     *slog.Logger
}

// NewComplianceService creates a new ComplianceService
func NewComplianceService(stores ComplianceStores, eventLog *EventLogService, policy models.RetentionPolicy, sessionTTL time.Duration, logger *slog.Logger) *ComplianceService {
	return &ComplianceService{
		stores:     stores,
		eventLog:   eventLog,
		policy:     policy,
		sessionTTL: sessionTTL,
		audit:      pkglogger.NewAuditLogger(logger),
		logger:     logger,
	}
}

// ExportAccountData assembles everything held about the account. Rows belonging to
// other accounts are dropped and other authors' comment bodies are withheld.
func (s *ComplianceService) ExportAccountData(ctx context.Context, accountID string) (*models.DataExportBundle, error) {
	account, err := s.stores.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		return nil, fmt.Errorf("%w: account has been deleted", models.ErrNotFound)
	}

	bundle := &models.DataExportBundle{
		Profile:    account.Profile(),
		ExportedAt: s.eventLog.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		summary, err := s.stores.Complaints.SummaryForAccount(gctx, accountID)
		if err != nil {
			return fmt.Errorf("complaints: %w", err)
		}
		bundle.ComplaintsSummary = redactComplaints(summary, accountID)
		return nil
	})
	g.Go(func() error {
		events := []*models.SecurityEvent{}
		err := s.eventLog.Each(gctx, models.EventFilter{AccountID: accountID}, func(e *models.SecurityEvent) error {
			if e.AccountID == accountID {
				events = append(events, e)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("security events: %w", err)
		}
		bundle.SecurityEvents = events
		return nil
	})
	g.Go(func() error {
		devices, err := s.stores.Devices.ListByAccount(gctx, accountID)
		if err != nil {
			return fmt.Errorf("devices: %w", err)
		}
		owned := make([]*models.DeviceRecord, 0, len(devices))
		for _, d := range devices {
			if d.AccountID == accountID {
				owned = append(owned, d)
			}
		}
		bundle.Devices = owned
		return nil
	})
	g.Go(func() error {
		prefs, err := s.stores.Preferences.Get(gctx, accountID)
		if errors.Is(err, models.ErrNotFound) {
			prefs = models.DefaultNotificationPreferences(accountID)
		} else if err != nil {
			return fmt.Errorf("preferences: %w", err)
		}
		bundle.Preferences = prefs
		return nil
	})

	if err := g.Wait(); err != nil {
		s.logger.ErrorContext(ctx, "data export failed",
			slog.String("account_id", accountID),
			slog.Any("error", err))
		return nil, fmt.Errorf("export account data: %w", err)
	}

	s.audit.LogComplianceAction(ctx, ComplianceActionExport, accountID, map[string]string{
		"security_events": strconv.Itoa(len(bundle.SecurityEvents)),
		"devices":         strconv.Itoa(len(bundle.Devices)),
		"complaints":      strconv.Itoa(bundle.ComplaintsSummary.Total),
	})
	return bundle, nil
}

func redactComplaints(summary *models.ComplaintSummary, accountID string) *models.ComplaintSummary {
	if summary == nil {
		return &models.ComplaintSummary{ByStatus: map[string]int{}, Complaints: []*models.ComplaintOverview{}}
	}
	for _, c := range summary.Complaints {
		for _, comment := range c.Comments {
			if comment.AuthorID != accountID {
				comment.Body = ""
			}
		}
	}
	return summary
}

// DeleteAccount removes the account's personal data.
//
// Events still inside their category's retention floor are always anonymized. Older
// events are hard-deleted unless preserveAnonymized is set, in which case they are
// anonymized too.
//
// The account is closed first: from then on logins fail and no new event can be
// written for it. The row is scrubbed last, so a failed run leaves it closing and a
// retry resumes it. A call for an already deleted account is a no-op.
func (s *ComplianceService) DeleteAccount(ctx context.Context, accountID string, preserveAnonymized bool) (*models.DeletionReport, error) {
	account, err := s.stores.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	report := &models.DeletionReport{AccountID: accountID}
	if account.IsDeleted() {
		report.AlreadyDeleted = true
		return report, nil
	}

	now := s.eventLog.Now()
	step := func(name string, fn func() error) error {
		if err := fn(); err != nil {
			s.logger.ErrorContext(ctx, "account deletion step failed",
				slog.String("account_id", accountID),
				slog.String("step", name),
				slog.Any("error", err))
			return fmt.Errorf("delete account (%s): %w", name, err)
		}
		return nil
	}

	if err := step("close_account", func() error {
		return s.stores.Accounts.MarkDeleting(ctx, accountID)
	}); err != nil {
		return nil, err
	}
	// Dated a session lifetime ahead so a token minted by a login that passed its
	// checks before the account closed is revoked as well.
	revokeUntil := now.Add(s.sessionTTL)
	if err := step("revoke_sessions", func() error {
		return s.stores.Sessions.RevokeAllAccountTokens(ctx, accountID, revokeUntil, revokeUntil.Add(s.sessionTTL), "account_deleted")
	}); err != nil {
		return nil, err
	}
	if err := step("pending_confirmations", func() error {
		_, err := s.stores.Pending.DeleteByAccount(ctx, accountID)
		return err
	}); err != nil {
		return nil, err
	}
	if err := step("devices", func() error {
		n, err := s.stores.Devices.DeleteByAccount(ctx, accountID)
		report.DeletedDevices = n
		return err
	}); err != nil {
		return nil, err
	}
	if err := step("attempt_state", func() error {
		return s.stores.Attempts.DeleteByAccount(ctx, accountID)
	}); err != nil {
		return nil, err
	}
	if err := step("preferences", func() error {
		return s.stores.Preferences.DeleteByAccount(ctx, accountID)
	}); err != nil {
		return nil, err
	}
	if err := step("credentials", func() error {
		return s.stores.Credentials.DeleteByAccount(ctx, accountID)
	}); err != nil {
		return nil, err
	}

	if !preserveAnonymized {
		for _, category := range models.AllEventCategories {
			cutoff := s.policy.Cutoff(category, now)
			if err := step("events_"+string(category), func() error {
				n, err := s.stores.Events.DeleteAccountEventsBefore(ctx, accountID, category.Types(), cutoff)
				report.DeletedEvents += n
				return err
			}); err != nil {
				return nil, err
			}
		}
	}

	if err := step("anonymize_events", func() error {
		n, err := s.stores.Events.AnonymizeAccount(ctx, accountID, "anon-"+uuid.NewString())
		report.AnonymizedEvents = n
		return err
	}); err != nil {
		return nil, err
	}

	if !preserveAnonymized && report.AnonymizedEvents > 0 {
		report.RetainedByPolicy = true
		s.logger.WarnContext(ctx, "deletion downgraded to anonymization",
			slog.String("account_id", accountID),
			slog.Int64("retained_events", report.AnonymizedEvents),
			slog.Any("reason", models.ErrPolicyViolation))
	}

	if err := step("scrub_account", func() error {
		return s.stores.Accounts.Scrub(ctx, accountID, now)
	}); err != nil {
		return nil, err
	}

	s.audit.LogComplianceAction(ctx, ComplianceActionDelete, accountID, map[string]string{
		"preserve_anonymized": strconv.FormatBool(preserveAnonymized),
		"deleted_events":      strconv.FormatInt(report.DeletedEvents, 10),
		"anonymized_events":   strconv.FormatInt(report.AnonymizedEvents, 10),
		"deleted_devices":     strconv.FormatInt(report.DeletedDevices, 10),
	})
	return report, nil
}
