package repositories

import (
	"context"

	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/models"
)

type PreferencesRepository struct {
	db *database.DB
}

func NewPreferencesRepository(db *database.DB) *PreferencesRepository {
	return &PreferencesRepository{db: db}
}

// Get returns models.ErrNotFound when the account never saved preferences.
func (r *PreferencesRepository) Get(ctx context.Context, accountID string) (*models.NotificationPreferences, error) {
	query := `
		SELECT account_id, email_notifications, security_alerts, account_activity, new_device_logins, updated_at
		FROM notification_preferences WHERE account_id = $1
	`
	var p models.NotificationPreferences
	err := r.db.Pool.QueryRow(ctx, query, accountID).Scan(
		&p.AccountID, &p.EmailNotifications, &p.SecurityAlerts, &p.AccountActivity, &p.NewDeviceLogins, &p.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &p, nil
}

func (r *PreferencesRepository) Upsert(ctx context.Context, p *models.NotificationPreferences) error {
	query := `
		INSERT INTO notification_preferences
			(account_id, email_notifications, security_alerts, account_activity, new_device_logins, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE
		SET email_notifications = EXCLUDED.email_notifications,
			security_alerts = EXCLUDED.security_alerts,
			account_activity = EXCLUDED.account_activity,
			new_device_logins = EXCLUDED.new_device_logins,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		p.AccountID, p.EmailNotifications, p.SecurityAlerts, p.AccountActivity, p.NewDeviceLogins, p.UpdatedAt,
	)
	return database.MapPostgresError(err)
}

func (r *PreferencesRepository) DeleteByAccount(ctx context.Context, accountID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM notification_preferences WHERE account_id = $1`, accountID)
	return database.MapPostgresError(err)
}
