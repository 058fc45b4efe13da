package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventLoginSuccess       EventType = "LOGIN_SUCCESS"
	EventLoginFailure       EventType = "LOGIN_FAILURE"
	EventAccountLocked      EventType = "ACCOUNT_LOCKED"
	EventAccountUnlocked    EventType = "ACCOUNT_UNLOCKED"
	EventNewDeviceLogin     EventType = "NEW_DEVICE_LOGIN"
	EventDeviceConfirmed    EventType = "DEVICE_CONFIRMED"
	EventDeviceDenied       EventType = "DEVICE_DENIED"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
)

// AllEventTypes lists every event type in declaration order.
var AllEventTypes = []EventType{
	EventLoginSuccess,
	EventLoginFailure,
	EventAccountLocked,
	EventAccountUnlocked,
	EventNewDeviceLogin,
	EventDeviceConfirmed,
	EventDeviceDenied,
	EventSuspiciousActivity,
}

func (t EventType) Valid() bool {
	_, ok := eventCategories[t]
	return ok
}

// Category returns the retention class of the event type.
func (t EventType) Category() EventCategory {
	if c, ok := eventCategories[t]; ok {
		return c
	}
	return CategoryIncident
}

// ParseEventType accepts upper or lower case names.
func ParseEventType(raw string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, raw)
	}
	return t, nil
}

// Severity ranks how much attention an event deserves.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity accepts upper or lower case names.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown severity %q", ErrValidation, raw)
	}
	return s, nil
}

// EventCategory groups event types for retention purposes.
type EventCategory string

const (
	CategoryAuthentication EventCategory = "authentication"
	CategoryLockout        EventCategory = "lockout"
	CategoryDevice         EventCategory = "device"
	CategoryIncident       EventCategory = "incident"
)

// AllEventCategories lists every retention class.
var AllEventCategories = []EventCategory{
	CategoryAuthentication,
	CategoryLockout,
	CategoryDevice,
	CategoryIncident,
}

var eventCategories = map[EventType]EventCategory{
	EventLoginSuccess:       CategoryAuthentication,
	EventLoginFailure:       CategoryAuthentication,
	EventAccountLocked:      CategoryLockout,
	EventAccountUnlocked:    CategoryLockout,
	EventNewDeviceLogin:     CategoryDevice,
	EventDeviceConfirmed:    CategoryDevice,
	EventDeviceDenied:       CategoryDevice,
	EventSuspiciousActivity: CategoryIncident,
}

// Types returns the event types in the category.
func (c EventCategory) Types() []EventType {
	var types []EventType
	for _, t := range AllEventTypes {
		if eventCategories[t] == c {
			types = append(types, t)
		}
	}
	return types
}

// Detail keys recorded on events
const (
	DetailEmail        = "email"
	DetailUserAgent    = "user_agent"
	DetailFingerprint  = "fingerprint"
	DetailClientDevice = "client_device_id"
	DetailPendingID    = "pending_id"
	DetailReason       = "reason"
	DetailFailures     = "consecutive_failures"
	DetailLockedUntil  = "locked_until"
	DetailExpiresAt    = "expires_at"
	DetailTrusted      = "trusted"
	DetailRemaining    = "remaining_attempts"
)

// IdentifyingDetailKeys are removed when an event is anonymized.
var IdentifyingDetailKeys = []string{
	DetailEmail,
	DetailUserAgent,
	DetailFingerprint,
	DetailClientDevice,
	DetailPendingID,
}

// EventDetails holds structured context for an event, stored as JSONB.
type EventDetails map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (d *EventDetails) Scan(value interface{}) error {
	if value == nil {
		*d = make(EventDetails)
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("%w: unsupported details type %T", ErrValidation, value)
	}

	m := make(map[string]interface{})
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*d = EventDetails(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (d EventDetails) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(d))
}

// String returns a detail as a string, or "" when absent.
func (d EventDetails) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// SecurityEvent is one immutable row of the security event log.
type SecurityEvent struct {
	ID         int64        `json:"id" db:"id"`
	AccountID  string       `json:"accountId,omitempty" db:"account_id"`
	Type       EventType    `json:"type" db:"event_type"`
	Severity   Severity     `json:"severity" db:"severity"`
	Timestamp  time.Time    `json:"timestamp" db:"occurred_at"`
	OriginIP   string       `json:"originIp,omitempty" db:"origin_ip"`
	Details    EventDetails `json:"details,omitempty" db:"details"`
	Anonymized bool         `json:"anonymized,omitempty" db:"anonymized"`

	// AnonymousRef replaces AccountID after anonymization so distinct
	// subject counts survive without pointing back at the account.
	AnonymousRef string `json:"-" db:"anonymous_ref"`
}

// NewSecurityEvent builds an event for an account. Timestamp is assigned on append.
func NewSecurityEvent(accountID string, eventType EventType, severity Severity, originIP string, details EventDetails) *SecurityEvent {
	if details == nil {
		details = EventDetails{}
	}
	return &SecurityEvent{
		AccountID: accountID,
		Type:      eventType,
		Severity:  severity,
		OriginIP:  originIP,
		Details:   details,
	}
}

// Validate checks the fields the log requires before append.
func (e *SecurityEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, e.Type)
	}
	if !e.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, e.Severity)
	}
	return nil
}

// SubjectKey identifies the account an event counts toward, anonymized or not.
func (e *SecurityEvent) SubjectKey() string {
	if e.AccountID != "" {
		return e.AccountID
	}
	return e.AnonymousRef
}

// Anonymize strips identifying fields in place and records ref as the stand-in subject.
func (e *SecurityEvent) Anonymize(ref string) {
	e.AccountID = ""
	e.OriginIP = ""
	e.AnonymousRef = ref
	e.Anonymized = true
	if e.Details == nil {
		return
	}
	cleaned := make(EventDetails, len(e.Details))
	for k, v := range e.Details {
		cleaned[k] = v
	}
	for _, key := range IdentifyingDetailKeys {
		delete(cleaned, key)
	}
	e.Details = cleaned
}

// Clone returns a deep enough copy for in-memory storage.
func (e *SecurityEvent) Clone() *SecurityEvent {
	c := *e
	if e.Details != nil {
		c.Details = make(EventDetails, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// EventFilter narrows an event query. Zero values mean "no constraint".
type EventFilter struct {
	AccountID  string
	Types      []EventType
	Severities []Severity
	Since      *time.Time
	Until      *time.Time
	Search     string
	Limit      int
	Offset     int
}

// Matches reports whether e satisfies every constraint except paging.
func (f EventFilter) Matches(e *SecurityEvent) bool {
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.Timestamp.Before(*f.Until) {
		return false
	}
	if f.Search != "" && !e.matchesSearch(f.Search) {
		return false
	}
	return true
}

func (e *SecurityEvent) matchesSearch(q string) bool {
	q = strings.ToLower(q)
	if strings.Contains(strings.ToLower(string(e.Type)), q) ||
		strings.Contains(strings.ToLower(e.AccountID), q) ||
		strings.Contains(strings.ToLower(e.OriginIP), q) {
		return true
	}
	raw, err := json.Marshal(e.Details)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), q)
}

func containsType(types []EventType, t EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsSeverity(severities []Severity, s Severity) bool {
	for _, candidate := range severities {
		if candidate == s {
			return true
		}
	}
	return false
}

// TypeStrings converts the filter types for SQL array parameters.
func (f EventFilter) TypeStrings() []string {
	out := make([]string, len(f.Types))
	for i, t := range f.Types {
		out[i] = string(t)
	}
	return out
}

// SeverityStrings converts the filter severities for SQL array parameters.
func (f EventFilter) SeverityStrings() []string {
	out := make([]string, len(f.Severities))
	for i, s := range f.Severities {
		out[i] = string(s)
	}
	return out
}
