package repositories

import (
	"context"
	"time"

	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/models"
)

type PendingConfirmationRepository struct {
	db *database.DB
}

func NewPendingConfirmationRepository(db *database.DB) *PendingConfirmationRepository {
	return &PendingConfirmationRepository{db: db}
}

const pendingColumns = `id, account_id, fingerprint, origin_ip, user_agent, created_at, expires_at`

func scanPendingRow(scanner rowScanner) (*models.PendingDeviceConfirmation, error) {
	var p models.PendingDeviceConfirmation
	err := scanner.Scan(&p.ID, &p.AccountID, &p.Fingerprint, &p.OriginIP, &p.UserAgent, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &p, nil
}

func (r *PendingConfirmationRepository) GetByID(ctx context.Context, id string) (*models.PendingDeviceConfirmation, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_device_confirmations WHERE id = $1`
	return scanPendingRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *PendingConfirmationRepository) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM pending_device_confirmations WHERE account_id = $1`, accountID)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired sweeps confirmations nobody answered.
func (r *PendingConfirmationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM pending_device_confirmations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func lockPending(ctx context.Context, q querier, id string) (*models.PendingDeviceConfirmation, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_device_confirmations WHERE id = $1 FOR UPDATE`
	return scanPendingRow(q.QueryRow(ctx, query, id))
}

// replacePending relies on the (account_id, fingerprint) unique constraint so that
// concurrent logins from the same new device converge on a single open record.
func replacePending(ctx context.Context, q querier, p *models.PendingDeviceConfirmation) error {
	query := `
		INSERT INTO pending_device_confirmations (` + pendingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, fingerprint) DO UPDATE
		SET id = EXCLUDED.id,
			origin_ip = EXCLUDED.origin_ip,
			user_agent = EXCLUDED.user_agent,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`
	_, err := q.Exec(ctx, query, p.ID, p.AccountID, p.Fingerprint, p.OriginIP, p.UserAgent, p.CreatedAt, p.ExpiresAt)
	return database.MapPostgresError(err)
}

func deletePending(ctx context.Context, q querier, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM pending_device_confirmations WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
