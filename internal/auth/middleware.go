package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/civicdesk/accountguard/internal/models"
	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// SessionContextKey is the key for storing session claims in context
	SessionContextKey contextKey = "session"
)

// SessionRevocationChecker reports whether a session was revoked individually
// or by an account-wide revocation issued after it.
type SessionRevocationChecker interface {
	IsSessionRevoked(ctx context.Context, jti, accountID string, issuedAt time.Time) (bool, error)
}

// AccountLookup fetches the current account record.
type AccountLookup interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// RevocationConfig holds configuration for token revocation behavior
type RevocationConfig struct {
	FailClosed bool // deny access when the revocation check itself fails
}

// AuthMiddleware validates session tokens, checks revocation and injects claims into context
func AuthMiddleware(sm *SessionManager, checker SessionRevocationChecker, cfg RevocationConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				pkghttp.WriteUnauthorized(w, "Sign in to continue.")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				pkghttp.WriteUnauthorized(w, "Send the session token as a Bearer authorization header.")
				return
			}

			claims, err := sm.ValidateSession(strings.TrimSpace(parts[1]))
			if err != nil {
				pkghttp.WriteUnauthorized(w, "Your session is invalid or has expired. Sign in again.")
				return
			}

			if checker != nil {
				var issuedAt time.Time
				if claims.IssuedAt != nil {
					issuedAt = claims.IssuedAt.Time
				}
				revoked, err := checker.IsSessionRevoked(r.Context(), claims.ID, claims.AccountID, issuedAt)
				if err != nil {
					logger.Error("session revocation check failed",
						slog.String("account_id", claims.AccountID),
						slog.String("error", err.Error()),
					)
					if cfg.FailClosed {
						pkghttp.WriteError(w, http.StatusServiceUnavailable, "service_unavailable",
							"Unable to verify your session right now. Try again shortly.")
						return
					}
				}
				if revoked {
					pkghttp.WriteUnauthorized(w, "Your session has been revoked. Sign in again.")
					return
				}
			}

			ctx := context.WithValue(r.Context(), SessionContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole enforces role-based access using the account's current role, not the token's.
func RequireRole(accounts AccountLookup, role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetSessionFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "Sign in to continue.")
				return
			}

			account, err := accounts.GetByID(r.Context(), claims.AccountID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					pkghttp.WriteUnauthorized(w, "Account not found. Sign in again.")
					return
				}
				pkghttp.WriteInternalError(w, "Unable to verify permissions. Try again shortly.")
				return
			}
			if !account.IsActive() {
				pkghttp.WriteUnauthorized(w, "This account has been deleted.")
				return
			}

			if account.Role != role {
				pkghttp.WriteForbidden(w, "You do not have permission to view this page.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetSessionFromContext extracts session claims from request context
func GetSessionFromContext(r *http.Request) *models.SessionClaims {
	claims, ok := r.Context().Value(SessionContextKey).(*models.SessionClaims)
	if !ok {
		return nil
	}
	return claims
}

// WithSession stores claims in ctx, used by tests and internal callers.
func WithSession(ctx context.Context, claims *models.SessionClaims) context.Context {
	return context.WithValue(ctx, SessionContextKey, claims)
}
