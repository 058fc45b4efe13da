package repositories

import (
	"context"
	"strings"
	"time"

	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/models"
)

type AccountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, email, display_name, role, status, created_at, deleted_at`

func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var account models.Account
	err := scanner.Scan(
		&account.ID, &account.Email, &account.DisplayName, &account.Role,
		&account.Status, &account.CreatedAt, &account.DeletedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByEmail only matches active accounts.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(email) = $1 AND status = 'active'`
	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, email, display_name, role, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		account.ID, account.Email, account.DisplayName, account.Role, account.Status, account.CreatedAt,
	)
	return database.MapPostgresError(err)
}

// CountTotal counts accounts that existed at asOf, including ones deleted later.
func (r *AccountRepository) CountTotal(ctx context.Context, asOf time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM accounts
		WHERE created_at <= $1 AND (deleted_at IS NULL OR deleted_at > $1)
	`
	var count int64
	if err := r.db.Pool.QueryRow(ctx, query, asOf).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// MarkDeleting closes an active account to logins and new security events. Accounts
// already closing or deleted are left as they are.
func (r *AccountRepository) MarkDeleting(ctx context.Context, id string) error {
	query := `
		UPDATE accounts SET status = 'deleting'
		WHERE id = $1 AND status = 'active'
	`
	_, err := r.db.Pool.Exec(ctx, query, id)
	return database.MapPostgresError(err)
}

// Scrub blanks personal fields and marks the account deleted. The row itself is kept.
func (r *AccountRepository) Scrub(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE accounts
		SET email = '', display_name = '', status = 'deleted', deleted_at = COALESCE(deleted_at, $2)
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, at)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
