package routes

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicdesk/accountguard/internal/auth"
	"github.com/civicdesk/accountguard/internal/handlers"
	"github.com/civicdesk/accountguard/internal/middleware"
	"github.com/civicdesk/accountguard/internal/models"
	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

// HealthChecker reports whether the backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies groups everything the router needs
type Dependencies struct {
	Login      *handlers.LoginHandler
	Security   *handlers.SecurityHandler
	Compliance *handlers.ComplianceHandler
	Account    *handlers.AccountHandler

	Sessions    *auth.SessionManager
	Revocations auth.SessionRevocationChecker
	Accounts    auth.AccountLookup
	Revocation  auth.RevocationConfig

	IPConfig        *pkghttp.IPConfig
	LoginRatePerMin int
	Health          HealthChecker
	MetricsGatherer prometheus.Gatherer
	Logger          *slog.Logger
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	// Rate limiting config for the login endpoint
	rateLimitConfig := middleware.DefaultLoginRateLimit(deps.IPConfig)
	if deps.LoginRatePerMin > 0 {
		rateLimitConfig.RequestsPerMinute = deps.LoginRatePerMin
	}

	router.Get("/health", healthHandler(deps.Health))
	if deps.MetricsGatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	// Public routes - no session required, one bucket per client IP
	loginLimit := middleware.RateLimitByIP(rateLimitConfig)
	router.With(loginLimit).Post("/login", deps.Login.Login)
	router.With(loginLimit).Post("/devices/{pendingId}/confirm", deps.Login.ConfirmDevice)
	router.With(loginLimit).Post("/devices/{pendingId}/deny", deps.Login.DenyDevice)

	// Protected routes - session required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(deps.Sessions, deps.Revocations, deps.Revocation, deps.Logger))

		r.Get("/me/devices", deps.Account.ListDevices)
		r.Delete("/me/devices/{fingerprint}", deps.Account.RevokeDevice)
		r.Get("/me/notification-preferences", deps.Account.GetPreferences)
		r.Put("/me/notification-preferences", deps.Account.UpdatePreferences)

		r.Get("/compliance/export/my-data", deps.Compliance.ExportMyData)
		r.Delete("/compliance/delete/my-account", deps.Compliance.DeleteMyAccount)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(deps.Accounts, models.RoleAdmin))
			r.Get("/admin/security/metrics", deps.Security.GetMetrics)
			r.Get("/admin/security/events", deps.Security.ListEvents)
			r.Get("/admin/security/export", deps.Security.ExportEvents)
		})
	})
}

func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "storage": "memory"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.HealthCheck(ctx); err != nil {
			pkghttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "down"})
			return
		}
		pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "up"})
	}
}
