package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/civicdesk/accountguard/internal/models"
)

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Notification drivers
const (
	NotifyDriverSES = "ses"
	NotifyDriverLog = "log"
)

type Config struct {
	Database     DatabaseConfig
	Server       ServerConfig
	Auth         AuthConfig
	Security     SecurityConfig
	Retention    RetentionConfig
	Notification NotificationConfig
	Email        EmailConfig
}

type DatabaseConfig struct {
	Driver            string
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	AutoMigrate       bool
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type AuthConfig struct {
	SessionSecret   string
	SessionTTL      time.Duration
	CleanupInterval time.Duration
}

// SecurityConfig tunes lockout, device confirmation and login timing.
type SecurityConfig struct {
	LockoutThreshold        int
	LockoutDuration         time.Duration
	DeviceConfirmWindow     time.Duration
	LoginRateLimitPerMinute int
	TimingBaseDelay         time.Duration
	TimingRandomDelay       time.Duration
}

// RetentionConfig holds the minimum retention per event category.
type RetentionConfig struct {
	Default        time.Duration
	Authentication time.Duration
	Lockout        time.Duration
	Device         time.Duration
	Incident       time.Duration
}

type NotificationConfig struct {
	Driver      string
	SendTimeout time.Duration
	MaxInFlight int
}

type EmailConfig struct {
	AWSRegion     string
	FromAddress   string
	PortalBaseURL string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	sessionSecret := getEnv("SESSION_SECRET", "")
	if sessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:            strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverPostgres)),
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "accountguard"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			AutoMigrate:       getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			SessionSecret:   sessionSecret,
			SessionTTL:      getEnvAsDuration("SESSION_TTL", 30*time.Minute),
			CleanupInterval: getEnvAsDuration("CLEANUP_INTERVAL", 15*time.Minute),
		},
		Security: SecurityConfig{
			LockoutThreshold:        getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			LockoutDuration:         getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			DeviceConfirmWindow:     getEnvAsDuration("DEVICE_CONFIRM_WINDOW", 10*time.Minute),
			LoginRateLimitPerMinute: getEnvAsInt("LOGIN_RATE_LIMIT_PER_MINUTE", 20),
			TimingBaseDelay:         getEnvAsDuration("LOGIN_TIMING_BASE_DELAY", 300*time.Millisecond),
			TimingRandomDelay:       getEnvAsDuration("LOGIN_TIMING_RANDOM_DELAY", 100*time.Millisecond),
		},
		Retention: RetentionConfig{
			Default:        getEnvAsRetention("RETENTION_DEFAULT", 90*24*time.Hour),
			Authentication: getEnvAsRetention("RETENTION_AUTHENTICATION", 90*24*time.Hour),
			Lockout:        getEnvAsRetention("RETENTION_LOCKOUT", 180*24*time.Hour),
			Device:         getEnvAsRetention("RETENTION_DEVICE", 180*24*time.Hour),
			Incident:       getEnvAsRetention("RETENTION_INCIDENT", 365*24*time.Hour),
		},
		Notification: NotificationConfig{
			Driver:      strings.ToLower(getEnv("NOTIFY_DRIVER", NotifyDriverLog)),
			SendTimeout: getEnvAsDuration("NOTIFY_SEND_TIMEOUT", 5*time.Second),
			MaxInFlight: getEnvAsInt("NOTIFY_MAX_IN_FLIGHT", 32),
		},
		Email: EmailConfig{
			AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
			FromAddress:   getEnv("EMAIL_FROM_ADDRESS", ""),
			PortalBaseURL: strings.TrimRight(getEnv("PORTAL_BASE_URL", "http://localhost:3000"), "/"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Validate session secret strength
	if err := validateSessionSecret(sessionSecret, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case StorageDriverPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case StorageDriverMemory:
		if c.Server.Env == "production" {
			return fmt.Errorf("STORAGE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q", StorageDriverPostgres, StorageDriverMemory)
	}

	if c.Security.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be at least 1")
	}
	if c.Security.LockoutDuration <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION must be positive")
	}
	if c.Security.DeviceConfirmWindow <= 0 {
		return fmt.Errorf("DEVICE_CONFIRM_WINDOW must be positive")
	}
	if c.Notification.MaxInFlight < 1 {
		return fmt.Errorf("NOTIFY_MAX_IN_FLIGHT must be at least 1")
	}

	switch c.Notification.Driver {
	case NotifyDriverLog:
	case NotifyDriverSES:
		if c.Email.FromAddress == "" {
			return fmt.Errorf("EMAIL_FROM_ADDRESS is required when NOTIFY_DRIVER=ses")
		}
	default:
		return fmt.Errorf("NOTIFY_DRIVER must be %q or %q", NotifyDriverSES, NotifyDriverLog)
	}

	return nil
}

// RetentionPolicy builds the immutable policy from the configured floors.
func (c *Config) RetentionPolicy() models.RetentionPolicy {
	return models.NewRetentionPolicy(c.Retention.Default, map[models.EventCategory]time.Duration{
		models.CategoryAuthentication: c.Retention.Authentication,
		models.CategoryLockout:        c.Retention.Lockout,
		models.CategoryDevice:         c.Retention.Device,
		models.CategoryIncident:       c.Retention.Incident,
	})
}

// validateSessionSecret enforces minimum security standards for the signing secret
func validateSessionSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("SESSION_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsRetention accepts Go durations plus a day suffix such as "90d".
func getEnvAsRetention(key string, defaultVal time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			return time.Duration(n) * 24 * time.Hour
		}
		return defaultVal
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		origins := getEnvAsList("ALLOWED_ORIGINS")
		if origins == nil {
			return []string{}
		}
		return origins
	}

	// Development: the portal frontend on common local ports
	return []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
}
