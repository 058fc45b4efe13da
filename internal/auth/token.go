package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/civicdesk/accountguard/internal/models"
)

// SessionManager issues and validates session tokens.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionManager(secret string, ttl time.Duration) *SessionManager {
	return &SessionManager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock overrides the time source, used by tests.
func (sm *SessionManager) SetClock(now func() time.Time) {
	sm.now = now
}

// TTL is how long a session stays valid after issue.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// IssueSession creates a signed session token with a fresh JTI
func (sm *SessionManager) IssueSession(accountID, role string) (*models.SessionToken, error) {
	now := sm.now()
	expiresAt := now.Add(sm.ttl)

	claims := &models.SessionClaims{
		Type:      models.TokenTypeSession,
		AccountID: accountID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(sm.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	return &models.SessionToken{Token: signed, ExpiresAt: expiresAt}, nil
}

// ValidateSession verifies a token and returns its claims
func (sm *SessionManager) ValidateSession(tokenString string) (*models.SessionClaims, error) {
	claims := &models.SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return sm.secret, nil
	}, jwt.WithTimeFunc(sm.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, models.ErrUnauthorized
	}
	if claims.Type != models.TokenTypeSession || claims.AccountID == "" {
		return nil, fmt.Errorf("%w: not a session token", models.ErrUnauthorized)
	}

	return claims, nil
}
