package logger

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// SecurityRecord is the log view of a persisted security event
type SecurityRecord struct {
	EventID   int64
	EventType string
	Severity  string
	AccountID string
	IPAddress string
	Timestamp time.Time
	Details   map[string]interface{}
}

// AuditLogger writes security and compliance audit lines alongside the database log
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogSecurityEvent mirrors a committed security event. The level follows the severity.
func (al *AuditLogger) LogSecurityEvent(ctx context.Context, rec SecurityRecord) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.Int64("event_id", rec.EventID),
		slog.String("event_type", rec.EventType),
		slog.String("severity", rec.Severity),
		slog.String("timestamp", rec.Timestamp.UTC().Format(time.RFC3339Nano)),
	}

	if rec.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", rec.AccountID))
	}
	if rec.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", MaskIP(rec.IPAddress)))
	}

	keys := make([]string, 0, len(rec.Details))
	for k := range rec.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	detailAttrs := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		detailAttrs = append(detailAttrs, slog.Any(k, rec.Details[k]))
	}
	if len(detailAttrs) > 0 {
		attrs = append(attrs, slog.Group("details", detailAttrs...))
	}

	al.logger.LogAttrs(ctx, severityLevel(rec.Severity), "audit", attrs...)
}

// LogComplianceAction records data-subject requests such as exports and deletions
func (al *AuditLogger) LogComplianceAction(ctx context.Context, action, accountID string, metadata map[string]string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "compliance"),
		slog.String("action", action),
		slog.String("account_id", accountID),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, metadata[k]))
	}

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

func severityLevel(severity string) slog.Level {
	switch severity {
	case "CRITICAL", "HIGH":
		return slog.LevelWarn
	case "MEDIUM":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
