package repositories

import (
	"context"

	"github.com/civicdesk/accountguard/internal/database"
)

// CredentialRepository stores password hashes for the built-in identity store.
type CredentialRepository struct {
	db *database.DB
}

func NewCredentialRepository(db *database.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) GetPasswordHash(ctx context.Context, accountID string) (string, error) {
	var hash string
	err := r.db.Pool.QueryRow(ctx, `SELECT password_hash FROM credentials WHERE account_id = $1`, accountID).Scan(&hash)
	if err != nil {
		return "", database.MapPostgresError(err)
	}
	return hash, nil
}

func (r *CredentialRepository) SetPasswordHash(ctx context.Context, accountID, hash string) error {
	query := `
		INSERT INTO credentials (account_id, password_hash, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query, accountID, hash)
	return database.MapPostgresError(err)
}

func (r *CredentialRepository) DeleteByAccount(ctx context.Context, accountID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM credentials WHERE account_id = $1`, accountID)
	return database.MapPostgresError(err)
}
