package repositories

import (
	"context"

	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/models"
)

// LoginAttemptRepository reads per-account failure counters.
// Mutations go through TxManager so they commit with their events.
type LoginAttemptRepository struct {
	db *database.DB
}

func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

func scanAttemptStateRow(scanner rowScanner) (*models.LoginAttemptState, error) {
	var state models.LoginAttemptState
	if err := scanner.Scan(&state.AccountID, &state.ConsecutiveFailures, &state.LockedUntil, &state.UpdatedAt); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &state, nil
}

// GetState returns models.ErrNotFound for accounts that never failed a login.
func (r *LoginAttemptRepository) GetState(ctx context.Context, accountID string) (*models.LoginAttemptState, error) {
	query := `
		SELECT account_id, consecutive_failures, locked_until, updated_at
		FROM login_attempt_states WHERE account_id = $1
	`
	return scanAttemptStateRow(r.db.Pool.QueryRow(ctx, query, accountID))
}

func (r *LoginAttemptRepository) DeleteByAccount(ctx context.Context, accountID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM login_attempt_states WHERE account_id = $1`, accountID)
	return database.MapPostgresError(err)
}

// lockAttemptState makes sure a row exists, then takes a row lock on it.
func lockAttemptState(ctx context.Context, q querier, accountID string) (*models.LoginAttemptState, error) {
	ensure := `
		INSERT INTO login_attempt_states (account_id, consecutive_failures, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (account_id) DO NOTHING
	`
	if _, err := q.Exec(ctx, ensure, accountID); err != nil {
		return nil, database.MapPostgresError(err)
	}

	query := `
		SELECT account_id, consecutive_failures, locked_until, updated_at
		FROM login_attempt_states WHERE account_id = $1
		FOR UPDATE
	`
	return scanAttemptStateRow(q.QueryRow(ctx, query, accountID))
}

func saveAttemptState(ctx context.Context, q querier, state *models.LoginAttemptState) error {
	query := `
		UPDATE login_attempt_states
		SET consecutive_failures = $2, locked_until = $3, updated_at = $4
		WHERE account_id = $1
	`
	tag, err := q.Exec(ctx, query, state.AccountID, state.ConsecutiveFailures, state.LockedUntil, state.UpdatedAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
