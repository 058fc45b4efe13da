package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/civicdesk/accountguard/internal/database"
)

type TokenRevocationRepository struct {
	db *database.DB
}

func NewTokenRevocationRepository(db *database.DB) *TokenRevocationRepository {
	return &TokenRevocationRepository{db: db}
}

// RevokeToken adds a single session to the revocation list
func (r *TokenRevocationRepository) RevokeToken(ctx context.Context, jti, accountID string, expiresAt time.Time, reason string) error {
	query := `
		INSERT INTO revoked_tokens (jti, account_id, token_type, expires_at, reason)
		VALUES ($1, $2, 'session', $3, $4)
		ON CONFLICT (jti) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query, jti, accountID, expiresAt, reason)
	return database.MapPostgresError(err)
}

// RevokeAllAccountTokens invalidates every session issued to the account up to revokedAt.
// The marker can be dropped once expiresAt passes since no older session outlives it.
func (r *TokenRevocationRepository) RevokeAllAccountTokens(ctx context.Context, accountID string, revokedAt, expiresAt time.Time, reason string) error {
	query := `
		INSERT INTO revoked_tokens (jti, account_id, token_type, revoked_at, expires_at, reason)
		VALUES ($1, $2, 'all', $3, $4, $5)
		ON CONFLICT (jti) DO NOTHING
	`
	jti := fmt.Sprintf("all:%s:%d", accountID, revokedAt.UnixNano())
	_, err := r.db.Pool.Exec(ctx, query, jti, accountID, revokedAt, expiresAt, reason)
	return database.MapPostgresError(err)
}

// IsSessionRevoked checks the token id and any account-wide revocation issued after the token.
func (r *TokenRevocationRepository) IsSessionRevoked(ctx context.Context, jti, accountID string, issuedAt time.Time) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM revoked_tokens
			WHERE jti = $1
			   OR (account_id = $2 AND token_type = 'all' AND revoked_at >= $3)
		)
	`
	var exists bool
	if err := r.db.Pool.QueryRow(ctx, query, jti, accountID, issuedAt).Scan(&exists); err != nil {
		return false, database.MapPostgresError(err)
	}
	return exists, nil
}

// CleanupExpiredTokens removes revocation entries that can no longer match a live token
func (r *TokenRevocationRepository) CleanupExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
