package models

import (
	"fmt"
	"strings"
	"time"
)

// Named ranges accepted by the admin dashboard
const (
	Range24h = "24h"
	Range7d  = "7d"
	Range30d = "30d"
	Range90d = "90d"

	DefaultRange = Range24h
)

var namedRanges = map[string]time.Duration{
	Range24h: 24 * time.Hour,
	Range7d:  7 * 24 * time.Hour,
	Range30d: 30 * 24 * time.Hour,
	Range90d: 90 * 24 * time.Hour,
}

// TimeRange is a half-open interval [Since, Until).
type TimeRange struct {
	Label string    `json:"label"`
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// ParseTimeRange resolves a named range ending at now. Empty selects DefaultRange.
func ParseTimeRange(name string, now time.Time) (TimeRange, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultRange
	}
	d, ok := namedRanges[name]
	if !ok {
		return TimeRange{}, fmt.Errorf("%w: range must be one of 24h, 7d, 30d, 90d", ErrValidation)
	}
	return TimeRange{Label: name, Since: now.Add(-d), Until: now}, nil
}

// ExplicitTimeRange builds a range from RFC3339 bounds.
func ExplicitTimeRange(since, until string) (TimeRange, error) {
	s, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: since must be RFC3339", ErrValidation)
	}
	u, err := time.Parse(time.RFC3339, until)
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: until must be RFC3339", ErrValidation)
	}
	if !s.Before(u) {
		return TimeRange{}, fmt.Errorf("%w: since must be before until", ErrValidation)
	}
	return TimeRange{Label: "custom", Since: s.UTC(), Until: u.UTC()}, nil
}

// Filter returns an event filter bounded to the range.
func (r TimeRange) Filter() EventFilter {
	since, until := r.Since, r.Until
	return EventFilter{Since: &since, Until: &until}
}

// SecurityMetrics summarises the event log over a range.
type SecurityMetrics struct {
	Range                TimeRange `json:"range"`
	TotalUsers           int64     `json:"totalUsers"`
	ActiveUsers          int64     `json:"activeUsers"`
	LockedAccounts       int64     `json:"lockedAccounts"`
	SuspiciousActivities int64     `json:"suspiciousActivities"`
	NewDeviceLogins      int64     `json:"newDeviceLogins"`
	FailedLoginAttempts  int64     `json:"failedLoginAttempts"`
}

// EventPage is one page of an event listing.
type EventPage struct {
	Events   []*SecurityEvent `json:"events"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}
