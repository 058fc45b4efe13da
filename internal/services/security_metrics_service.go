package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/civicdesk/accountguard/internal/models"
)

// EventCounter aggregates over the event log
type EventCounter interface {
	Count(ctx context.Context, filter models.EventFilter) (int64, error)
	CountDistinctSubjects(ctx context.Context, filter models.EventFilter) (int64, error)
}

// AccountCounter counts accounts that existed at a point in time
type AccountCounter interface {
	CountTotal(ctx context.Context, asOf time.Time) (int64, error)
}

// metricsComputeTimeout bounds one shared metrics computation
const metricsComputeTimeout = 15 * time.Second

// CSVHeader is the column order of event exports
var CSVHeader = []string{"id", "timestamp", "type", "severity", "account_id", "origin_ip", "anonymized", "details"}

// SecurityMetricsService is a read model over the event log. Nothing is cached or
// counted separately, so any historical range can be recomputed.
type SecurityMetricsService struct {
	counter  EventCounter
	accounts AccountCounter
	events   *EventLogService
	flight   singleflight.Group
	logger   *slog.Logger
}

// NewSecurityMetricsService creates a new SecurityMetricsService
func NewSecurityMetricsService(counter EventCounter, accounts AccountCounter, events *EventLogService, logger *slog.Logger) *SecurityMetricsService {
	return &SecurityMetricsService{
		counter:  counter,
		accounts: accounts,
		events:   events,
		logger:   logger,
	}
}

// ResolveRange turns either a named range or explicit bounds into a TimeRange.
func (s *SecurityMetricsService) ResolveRange(name, since, until string) (models.TimeRange, error) {
	if since != "" || until != "" {
		if since == "" || until == "" {
			return models.TimeRange{}, fmt.Errorf("%w: since and until must be given together", models.ErrValidation)
		}
		return models.ExplicitTimeRange(since, until)
	}
	return models.ParseTimeRange(name, s.events.Now())
}

// Metrics computes the dashboard counters for the range.
// Concurrent requests for the same bounds share one computation.
func (s *SecurityMetricsService) Metrics(ctx context.Context, r models.TimeRange) (*models.SecurityMetrics, error) {
	key := r.Since.UTC().Format(time.RFC3339Nano) + "|" + r.Until.UTC().Format(time.RFC3339Nano)
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		// followers share this call, so it must outlive the leader's request
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsComputeTimeout)
		defer cancel()
		return s.compute(cctx, r)
	})
	if err != nil {
		return nil, err
	}
	shared := v.(*models.SecurityMetrics)
	out := *shared
	out.Range = r
	return &out, nil
}

func (s *SecurityMetricsService) compute(ctx context.Context, r models.TimeRange) (*models.SecurityMetrics, error) {
	m := &models.SecurityMetrics{Range: r}
	g, gctx := errgroup.WithContext(ctx)

	withTypes := func(types ...models.EventType) models.EventFilter {
		f := r.Filter()
		f.Types = types
		return f
	}

	g.Go(func() error {
		n, err := s.accounts.CountTotal(gctx, r.Until)
		m.TotalUsers = n
		return err
	})
	g.Go(func() error {
		n, err := s.counter.CountDistinctSubjects(gctx, withTypes(models.EventLoginSuccess))
		m.ActiveUsers = n
		return err
	})
	g.Go(func() error {
		n, err := s.counter.CountDistinctSubjects(gctx, withTypes(models.EventAccountLocked))
		m.LockedAccounts = n
		return err
	})
	g.Go(func() error {
		n, err := s.counter.Count(gctx, withTypes(models.EventSuspiciousActivity))
		m.SuspiciousActivities = n
		return err
	})
	g.Go(func() error {
		n, err := s.counter.Count(gctx, withTypes(models.EventNewDeviceLogin))
		m.NewDeviceLogins = n
		return err
	})
	g.Go(func() error {
		n, err := s.counter.Count(gctx, withTypes(models.EventLoginFailure, models.EventAccountLocked))
		m.FailedLoginAttempts = n
		return err
	})

	if err := g.Wait(); err != nil {
		s.logger.ErrorContext(ctx, "failed to compute security metrics", slog.Any("error", err))
		return nil, fmt.Errorf("compute security metrics: %w", err)
	}
	return m, nil
}

// Events returns one page of events in the range. page is 1-based.
func (s *SecurityMetricsService) Events(ctx context.Context, r models.TimeRange, filter models.EventFilter, page, pageSize int) (*models.EventPage, error) {
	if page < 1 {
		page = 1
	}
	if page > MaxEventPage {
		return nil, fmt.Errorf("%w: page must be at most %d", models.ErrValidation, MaxEventPage)
	}
	if pageSize <= 0 {
		pageSize = DefaultEventPageSize
	}
	if pageSize > MaxEventPageSize {
		pageSize = MaxEventPageSize
	}

	f := bounded(filter, r)
	f.Limit = pageSize
	f.Offset = (page - 1) * pageSize

	events, total, err := s.events.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	if events == nil {
		events = []*models.SecurityEvent{}
	}
	return &models.EventPage{Events: events, Total: total, Page: page, PageSize: pageSize}, nil
}

// ExportCSV streams every matching event in the range to w, newest first.
func (s *SecurityMetricsService) ExportCSV(ctx context.Context, r models.TimeRange, filter models.EventFilter, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return 0, err
	}

	rows := 0
	err := s.events.Each(ctx, bounded(filter, r), func(e *models.SecurityEvent) error {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		rows++
		return cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.Type),
			string(e.Severity),
			csvCell(e.AccountID),
			csvCell(e.OriginIP),
			strconv.FormatBool(e.Anonymized),
			csvCell(string(details)),
		})
	})
	if err != nil {
		return rows, fmt.Errorf("export security events: %w", err)
	}
	cw.Flush()
	return rows, cw.Error()
}

func bounded(filter models.EventFilter, r models.TimeRange) models.EventFilter {
	rf := r.Filter()
	filter.Since = rf.Since
	filter.Until = rf.Until
	return filter
}

// csvCell neutralizes values a spreadsheet would evaluate as a formula.
func csvCell(v string) string {
	if v == "" {
		return v
	}
	if strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}
