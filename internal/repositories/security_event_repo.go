package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/models"
)

// SecurityEventRepository is the Postgres backed security event log.
// Rows are only ever inserted, anonymized in place, or removed by retention.
type SecurityEventRepository struct {
	db *database.DB
}

func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

const eventColumns = `id, account_id, anonymous_ref, event_type, severity, occurred_at, origin_ip, details, anonymized`

func scanEventRow(scanner rowScanner) (*models.SecurityEvent, error) {
	var event models.SecurityEvent
	var accountID, anonymousRef, originIP *string
	var eventType, severity string

	err := scanner.Scan(
		&event.ID, &accountID, &anonymousRef, &eventType, &severity,
		&event.Timestamp, &originIP, &event.Details, &event.Anonymized,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	event.Type = models.EventType(eventType)
	event.Severity = models.Severity(severity)
	if accountID != nil {
		event.AccountID = *accountID
	}
	if anonymousRef != nil {
		event.AnonymousRef = *anonymousRef
	}
	if originIP != nil {
		event.OriginIP = *originIP
	}
	return &event, nil
}

func scanEventRows(rows pgx.Rows) ([]*models.SecurityEvent, error) {
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return events, nil
}

// Append inserts the event and fills in its id and timestamp.
func (r *SecurityEventRepository) Append(ctx context.Context, event *models.SecurityEvent) (int64, error) {
	return appendEvent(ctx, r.db.Pool, event)
}

// Query returns matching events newest first together with the unpaged total.
func (r *SecurityEventRepository) Query(ctx context.Context, filter models.EventFilter) ([]*models.SecurityEvent, int64, error) {
	where, args := buildEventWhere(filter)

	total, err := r.count(ctx, `SELECT COUNT(*) FROM security_events`+where, args)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + eventColumns + ` FROM security_events` + where + ` ORDER BY occurred_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, database.MapPostgresError(err)
	}
	events, err := scanEventRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Count returns the number of events matching filter, ignoring paging.
func (r *SecurityEventRepository) Count(ctx context.Context, filter models.EventFilter) (int64, error) {
	where, args := buildEventWhere(filter)
	return r.count(ctx, `SELECT COUNT(*) FROM security_events`+where, args)
}

// CountDistinctSubjects counts distinct accounts (or their anonymous stand-ins) matching filter.
func (r *SecurityEventRepository) CountDistinctSubjects(ctx context.Context, filter models.EventFilter) (int64, error) {
	where, args := buildEventWhere(filter)
	return r.count(ctx, `SELECT COUNT(DISTINCT COALESCE(account_id, anonymous_ref)) FROM security_events`+where, args)
}

func (r *SecurityEventRepository) count(ctx context.Context, query string, args []interface{}) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return n, nil
}

// AnonymizeAccount detaches every remaining event from the account.
func (r *SecurityEventRepository) AnonymizeAccount(ctx context.Context, accountID, ref string) (int64, error) {
	query := `
		UPDATE security_events
		SET account_id = NULL,
			origin_ip = NULL,
			anonymous_ref = $2,
			anonymized = TRUE,
			details = details - $3::text[]
		WHERE account_id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, accountID, ref, pq.Array(models.IdentifyingDetailKeys))
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAccountEventsBefore hard-deletes the account's events of the given types older than before.
func (r *SecurityEventRepository) DeleteAccountEventsBefore(ctx context.Context, accountID string, types []models.EventType, before time.Time) (int64, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	query := `
		DELETE FROM security_events
		WHERE account_id = $1 AND event_type = ANY($2::text[]) AND occurred_at < $3
	`
	tag, err := r.db.Pool.Exec(ctx, query, accountID, pq.Array(names), before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func appendEvent(ctx context.Context, q querier, event *models.SecurityEvent) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	if event.Details == nil {
		event.Details = models.EventDetails{}
	}

	if err := checkAccountOpen(ctx, q, event.AccountID); err != nil {
		return 0, err
	}

	var occurredAt *time.Time
	if !event.Timestamp.IsZero() {
		ts := event.Timestamp.UTC()
		occurredAt = &ts
	}

	query := `
		INSERT INTO security_events (account_id, event_type, severity, occurred_at, origin_ip, details)
		VALUES (NULLIF($1, ''), $2, $3, COALESCE($4, NOW()), NULLIF($5, ''), $6)
		RETURNING id, occurred_at
	`
	err := q.QueryRow(ctx, query,
		event.AccountID, string(event.Type), string(event.Severity), occurredAt, event.OriginIP, event.Details,
	).Scan(&event.ID, &event.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("append security event: %w", database.MapPostgresError(err))
	}
	return event.ID, nil
}

// checkAccountOpen share-locks the account row so a deletion cannot start until the
// caller's transaction ends, and refuses accounts already closing. Events for ids with
// no account row are allowed.
func checkAccountOpen(ctx context.Context, q querier, accountID string) error {
	if accountID == "" {
		return nil
	}
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM accounts WHERE id = $1 FOR SHARE`, accountID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check account status: %w", database.MapPostgresError(err))
	}
	if status != models.AccountStatusActive {
		return models.ErrAccountClosed
	}
	return nil
}

func buildEventWhere(filter models.EventFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if len(filter.Types) > 0 {
		add("event_type = ANY($%d::text[])", pq.Array(filter.TypeStrings()))
	}
	if len(filter.Severities) > 0 {
		add("severity = ANY($%d::text[])", pq.Array(filter.SeverityStrings()))
	}
	if filter.Since != nil {
		add("occurred_at >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		add("occurred_at < $%d", *filter.Until)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		add("(event_type ILIKE $%[1]d OR account_id ILIKE $%[1]d OR origin_ip ILIKE $%[1]d OR details::text ILIKE $%[1]d)",
			"%"+escapeLike(search)+"%")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
