package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/models"
)

type DeviceRepository struct {
	db *database.DB
}

func NewDeviceRepository(db *database.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `account_id, fingerprint, label, first_seen, last_seen, trusted`

func scanDeviceRow(scanner rowScanner) (*models.DeviceRecord, error) {
	var device models.DeviceRecord
	err := scanner.Scan(
		&device.AccountID, &device.Fingerprint, &device.Label,
		&device.FirstSeen, &device.LastSeen, &device.Trusted,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &device, nil
}

func scanDeviceRows(rows pgx.Rows) ([]*models.DeviceRecord, error) {
	defer rows.Close()

	devices := make([]*models.DeviceRecord, 0)
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return devices, nil
}

func (r *DeviceRepository) Get(ctx context.Context, accountID, fingerprint string) (*models.DeviceRecord, error) {
	return getDevice(ctx, r.db.Pool, accountID, fingerprint)
}

func (r *DeviceRepository) ListByAccount(ctx context.Context, accountID string) ([]*models.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_records WHERE account_id = $1 ORDER BY last_seen DESC`
	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return scanDeviceRows(rows)
}

// Touch moves last_seen forward; it never moves it back.
func (r *DeviceRepository) Touch(ctx context.Context, accountID, fingerprint string, seenAt time.Time) error {
	query := `
		UPDATE device_records SET last_seen = GREATEST(last_seen, $3)
		WHERE account_id = $1 AND fingerprint = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, accountID, fingerprint, seenAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *DeviceRepository) Delete(ctx context.Context, accountID, fingerprint string) error {
	return deleteDevice(ctx, r.db.Pool, accountID, fingerprint)
}

func (r *DeviceRepository) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM device_records WHERE account_id = $1`, accountID)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func getDevice(ctx context.Context, q querier, accountID, fingerprint string) (*models.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_records WHERE account_id = $1 AND fingerprint = $2`
	return scanDeviceRow(q.QueryRow(ctx, query, accountID, fingerprint))
}

func upsertDevice(ctx context.Context, q querier, device *models.DeviceRecord) error {
	query := `
		INSERT INTO device_records (account_id, fingerprint, label, first_seen, last_seen, trusted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, fingerprint) DO UPDATE
		SET label = EXCLUDED.label, last_seen = EXCLUDED.last_seen, trusted = EXCLUDED.trusted
	`
	_, err := q.Exec(ctx, query,
		device.AccountID, device.Fingerprint, device.Label,
		device.FirstSeen, device.LastSeen, device.Trusted,
	)
	return database.MapPostgresError(err)
}

func deleteDevice(ctx context.Context, q querier, accountID, fingerprint string) error {
	tag, err := q.Exec(ctx, `DELETE FROM device_records WHERE account_id = $1 AND fingerprint = $2`, accountID, fingerprint)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
