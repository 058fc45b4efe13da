package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/civicdesk/accountguard/internal/auth"
	"github.com/civicdesk/accountguard/internal/background"
	"github.com/civicdesk/accountguard/internal/config"
	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/handlers"
	"github.com/civicdesk/accountguard/internal/metrics"
	middlewareCustom "github.com/civicdesk/accountguard/internal/middleware"
	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/repositories"
	"github.com/civicdesk/accountguard/internal/repositories/memstore"
	"github.com/civicdesk/accountguard/internal/routes"
	"github.com/civicdesk/accountguard/internal/services"
	pkgauth "github.com/civicdesk/accountguard/pkg/auth"
	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

// The storage interfaces below are satisfied by both the Postgres repositories
// and the in-memory store.

type accountStore interface {
	services.IdentityAccountRepository
	services.AccountCounter
	services.ComplianceAccountRepository
	services.AccountLookup
}

type credentialStore interface {
	services.CredentialRepository
	services.AccountPurger
}

type attemptStore interface {
	services.LoginAttemptRepository
	services.AccountPurger
}

type deviceStore interface {
	services.DeviceRepository
	services.DeviceStore
}

type pendingStore interface {
	services.PendingConfirmationRepository
	services.PendingPurger
	background.ExpiredPendingPurger
}

type eventStore interface {
	services.SecurityEventRepository
	services.EventCounter
	services.ComplianceEventRepository
}

type preferencesStore interface {
	services.PreferencesRepository
	services.PreferencesStore
}

type revocationStore interface {
	services.SessionRevoker
	auth.SessionRevocationChecker
	background.ExpiredTokenPurger
}

type storage struct {
	tx          repositories.TxRunner
	accounts    accountStore
	credentials credentialStore
	attempts    attemptStore
	devices     deviceStore
	pending     pendingStore
	events      eventStore
	preferences preferencesStore
	revocations revocationStore
	complaints  services.ComplaintSource
	health      routes.HealthChecker
	close       func()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("storage", cfg.Database.Driver),
		slog.String("notify", cfg.Notification.Driver))

	// Initialize storage
	store, err := openStorage(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.close()

	// Prometheus registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	// Notification delivery
	sender, err := newNotificationSender(cfg, store.accounts, logger)
	if err != nil {
		logger.Error("failed to initialize notification sender", slog.Any("error", err))
		os.Exit(1)
	}
	notifications := services.NewNotificationService(store.preferences, sender, services.DispatcherConfig{
		SendTimeout: cfg.Notification.SendTimeout,
		MaxInFlight: cfg.Notification.MaxInFlight,
	}, recorder, logger)

	// Initialize services
	eventLog := services.NewEventLogService(store.events, notifications, recorder, logger)
	sessions := auth.NewSessionManager(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL)
	tracker := services.NewLoginAttemptService(store.tx, store.attempts, eventLog, services.LockoutPolicy{
		Threshold: cfg.Security.LockoutThreshold,
		Duration:  cfg.Security.LockoutDuration,
	}, recorder, logger)
	devices := services.NewDeviceTrustService(store.tx, store.devices, store.pending, eventLog, cfg.Security.DeviceConfirmWindow, logger)
	identity := services.NewPasswordIdentityStore(store.accounts, store.credentials, pkgauth.NewPasswordHasher(pkgauth.DefaultBcryptCost), logger)

	// Timing delay for login responses
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelay:   cfg.Security.TimingBaseDelay,
		RandomDelay: cfg.Security.TimingRandomDelay,
	})

	login := services.NewLoginService(identity, tracker, devices, store.accounts, sessions, timingDelay, recorder, logger)
	securityMetrics := services.NewSecurityMetricsService(store.events, store.accounts, eventLog, logger)
	compliance := services.NewComplianceService(services.ComplianceStores{
		Accounts:    store.accounts,
		Complaints:  store.complaints,
		Events:      store.events,
		Devices:     store.devices,
		Pending:     store.pending,
		Attempts:    store.attempts,
		Credentials: store.credentials,
		Preferences: store.preferences,
		Sessions:    store.revocations,
	}, eventLog, cfg.RetentionPolicy(), cfg.Auth.SessionTTL, logger)

	// Bootstrap first admin account if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminAccount(ctx, identity, logger); err != nil {
		logger.Error("failed to ensure admin account", slog.Any("error", err))
	}
	cancel()

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	deps := routes.Dependencies{
		Login:           handlers.NewLoginHandler(login, ipConfig, logger),
		Security:        handlers.NewSecurityHandler(securityMetrics, logger),
		Compliance:      handlers.NewComplianceHandler(compliance, logger),
		Account:         handlers.NewAccountHandler(devices, notifications, logger),
		Sessions:        sessions,
		Revocations:     store.revocations,
		Accounts:        store.accounts,
		Revocation:      auth.RevocationConfig{FailClosed: cfg.Server.Env == "production"},
		IPConfig:        ipConfig,
		LoginRatePerMin: cfg.Security.LoginRateLimitPerMinute,
		Health:          store.health,
		MetricsGatherer: registry,
		Logger:          logger,
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, deps)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(store.pending, store.revocations, recorder, logger, cfg.Auth.CleanupInterval)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	// Let in-flight notifications finish before the process exits
	if err := notifications.Wait(shutdownCtx); err != nil {
		logger.Warn("notifications still in flight at shutdown", slog.Any("error", err))
	}

	logger.Info("server stopped gracefully")
}

func openStorage(cfg *config.Config, logger *slog.Logger) (*storage, error) {
	if cfg.Database.Driver == config.StorageDriverMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		mem := memstore.New()
		return &storage{
			tx:          mem,
			accounts:    mem.Accounts(),
			credentials: mem.Credentials(),
			attempts:    mem.Attempts(),
			devices:     mem.Devices(),
			pending:     mem.Pending(),
			events:      mem.Events(),
			preferences: mem.Preferences(),
			revocations: mem.Revocations(),
			complaints:  mem.Complaints(),
			close:       func() {},
		}, nil
	}

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &storage{
		tx:          repositories.NewTxManager(db),
		accounts:    repositories.NewAccountRepository(db),
		credentials: repositories.NewCredentialRepository(db),
		attempts:    repositories.NewLoginAttemptRepository(db),
		devices:     repositories.NewDeviceRepository(db),
		pending:     repositories.NewPendingConfirmationRepository(db),
		events:      repositories.NewSecurityEventRepository(db),
		preferences: repositories.NewPreferencesRepository(db),
		revocations: repositories.NewTokenRevocationRepository(db),
		complaints:  repositories.NewComplaintRepository(db),
		health:      db,
		close:       db.Close,
	}, nil
}

func newNotificationSender(cfg *config.Config, accounts services.AccountLookup, logger *slog.Logger) (services.NotificationSender, error) {
	if cfg.Notification.Driver != config.NotifyDriverSES {
		return services.NewLogNotificationSender(logger), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return services.NewSESNotificationSender(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, cfg.Email.PortalBaseURL, accounts, logger)
}

// ensureAdminAccount creates the first admin account if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminAccount(ctx context.Context, identity *services.PasswordIdentityStore, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin account creation")
		return nil
	}

	_, err := identity.RegisterAccount(ctx, adminEmail, "Admin", models.RoleAdmin, adminPassword)
	if errors.Is(err, models.ErrConflict) {
		logger.Info("admin account already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create admin account: %w", err)
	}

	logger.Info("admin account created successfully")
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
