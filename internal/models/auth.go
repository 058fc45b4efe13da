package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeSession marks access tokens issued after a completed login.
const TokenTypeSession = "session"

// SessionClaims are the JWT claims carried by a session token.
type SessionClaims struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// RevokedToken is an entry in the session revocation list.
// A row with TokenType "all" revokes every session issued to the account before RevokedAt.
type RevokedToken struct {
	JTI       string    `db:"jti"`
	AccountID string    `db:"account_id"`
	TokenType string    `db:"token_type"`
	Reason    string    `db:"reason"`
	RevokedAt time.Time `db:"revoked_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// SessionToken is returned to clients after login completes.
type SessionToken struct {
	Token     string    `json:"sessionToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}
