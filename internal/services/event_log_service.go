package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/civicdesk/accountguard/internal/metrics"
	"github.com/civicdesk/accountguard/internal/models"
	pkglogger "github.com/civicdesk/accountguard/pkg/logger"
)

// Paging limits for event queries
const (
	DefaultEventPageSize = 50
	MaxEventPageSize     = 500

	// MaxEventPage keeps (page-1)*pageSize from overflowing
	MaxEventPage = math.MaxInt / MaxEventPageSize
)

// SecurityEventRepository defines the event log storage operations
type SecurityEventRepository interface {
	Append(ctx context.Context, event *models.SecurityEvent) (int64, error)
	Query(ctx context.Context, filter models.EventFilter) ([]*models.SecurityEvent, int64, error)
}

// EventDispatcher is told about every committed event. Implementations must not block.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *models.SecurityEvent)
}

// EventLogService is the single write path into the security event log.
// Events appended inside a transaction are announced with Committed once it succeeds.
type EventLogService struct {
	repo       SecurityEventRepository
	dispatcher EventDispatcher
	audit      *pkglogger.AuditLogger
	recorder   *metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewEventLogService creates a new EventLogService. dispatcher and recorder may be nil.
func NewEventLogService(repo SecurityEventRepository, dispatcher EventDispatcher, recorder *metrics.Recorder, logger *slog.Logger) *EventLogService {
	return &EventLogService{
		repo:       repo,
		dispatcher: dispatcher,
		audit:      pkglogger.NewAuditLogger(logger),
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock replaces the time source
func (s *EventLogService) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the current time from the configured clock, in UTC.
func (s *EventLogService) Now() time.Time {
	return s.now().UTC()
}

// Append writes a single event outside of any state transition.
// A failed write is returned to the caller and must abort the operation.
func (s *EventLogService) Append(ctx context.Context, event *models.SecurityEvent) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.Now()
	}

	id, err := s.repo.Append(ctx, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "security event append failed",
			slog.String("event_type", string(event.Type)),
			slog.Any("error", err))
		return 0, fmt.Errorf("append security event: %w", err)
	}

	s.Committed(ctx, event)
	return id, nil
}

// Committed mirrors persisted events to the audit log and metrics, then hands them
// to the dispatcher.
func (s *EventLogService) Committed(ctx context.Context, events ...*models.SecurityEvent) {
	for _, e := range events {
		s.audit.LogSecurityEvent(ctx, pkglogger.SecurityRecord{
			EventID:   e.ID,
			EventType: string(e.Type),
			Severity:  string(e.Severity),
			AccountID: e.AccountID,
			IPAddress: e.OriginIP,
			Timestamp: e.Timestamp,
			Details:   e.Details,
		})
		s.recorder.EventAppended(string(e.Type), string(e.Severity))
		if s.dispatcher != nil {
			s.dispatcher.Dispatch(ctx, e)
		}
	}
}

// Query returns a page of events newest first plus the unpaged total.
func (s *EventLogService) Query(ctx context.Context, filter models.EventFilter) ([]*models.SecurityEvent, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultEventPageSize
	}
	if filter.Limit > MaxEventPageSize {
		filter.Limit = MaxEventPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.Query(ctx, filter)
}

// Each walks every event matching filter, newest first, in pages.
// The filter should carry an Until bound so concurrent appends do not shift pages.
func (s *EventLogService) Each(ctx context.Context, filter models.EventFilter, fn func(*models.SecurityEvent) error) error {
	filter.Limit = MaxEventPageSize
	filter.Offset = 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, _, err := s.repo.Query(ctx, filter)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < filter.Limit {
			return nil
		}
		filter.Offset += len(page)
	}
}

// newEvent stamps an event with the service clock.
func (s *EventLogService) newEvent(accountID string, eventType models.EventType, severity models.Severity, originIP string, details models.EventDetails) *models.SecurityEvent {
	e := models.NewSecurityEvent(accountID, eventType, severity, originIP, details)
	e.Timestamp = s.Now()
	return e
}
