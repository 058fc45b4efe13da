package repositories_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/repositories"
)

// setupTestDatabase starts a PostgreSQL container and applies the embedded migrations
func setupTestDatabase(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in -short mode")
	}
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("accountguard"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	db := database.NewFromPool(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	return db
}

func createAccount(t *testing.T, accounts *repositories.AccountRepository, email string, createdAt time.Time) *models.Account {
	t.Helper()
	account := &models.Account{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: "Resident",
		Role:        models.RoleUser,
		Status:      models.AccountStatusActive,
		CreatedAt:   createdAt,
	}
	require.NoError(t, accounts.Create(context.Background(), account))
	return account
}

func TestPostgresRepositories(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	accounts := repositories.NewAccountRepository(db)
	credentials := repositories.NewCredentialRepository(db)
	attempts := repositories.NewLoginAttemptRepository(db)
	devices := repositories.NewDeviceRepository(db)
	pending := repositories.NewPendingConfirmationRepository(db)
	events := repositories.NewSecurityEventRepository(db)
	prefs := repositories.NewPreferencesRepository(db)
	revocations := repositories.NewTokenRevocationRepository(db)
	txm := repositories.NewTxManager(db)

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, db.Migrate(ctx))
	})

	t.Run("account email is unique among active accounts", func(t *testing.T) {
		createAccount(t, accounts, "unique@example.org", base)

		dup := &models.Account{
			ID: uuid.NewString(), Email: "Unique@Example.org", Role: models.RoleUser,
			Status: models.AccountStatusActive, CreatedAt: base,
		}
		err := accounts.Create(ctx, dup)
		assert.ErrorIs(t, err, models.ErrConflict)

		got, err := accounts.GetByEmail(ctx, "unique@example.org")
		require.NoError(t, err)
		assert.Equal(t, "Resident", got.DisplayName)
	})

	t.Run("transaction commits state and event together", func(t *testing.T) {
		account := createAccount(t, accounts, "tx-commit@example.org", base)
		lockedUntil := base.Add(15 * time.Minute)

		err := txm.WithTx(ctx, func(tx repositories.Tx) error {
			state, err := tx.LockAttemptState(ctx, account.ID)
			if err != nil {
				return err
			}
			state.ConsecutiveFailures = 5
			state.LockedUntil = &lockedUntil
			state.UpdatedAt = base
			if err := tx.SaveAttemptState(ctx, state); err != nil {
				return err
			}
			_, err = tx.AppendEvent(ctx, &models.SecurityEvent{
				AccountID: account.ID, Type: models.EventAccountLocked, Severity: models.SeverityHigh,
				Timestamp: base, OriginIP: "203.0.113.10",
				Details: models.EventDetails{"failures": 5},
			})
			return err
		})
		require.NoError(t, err)

		state, err := attempts.GetState(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, state.ConsecutiveFailures)
		require.NotNil(t, state.LockedUntil)
		assert.True(t, state.LockedUntil.Equal(lockedUntil))

		got, total, err := events.Query(ctx, models.EventFilter{AccountID: account.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, got, 1)
		assert.Equal(t, models.EventAccountLocked, got[0].Type)
		assert.EqualValues(t, 5, got[0].Details["failures"])
	})

	t.Run("transaction rollback discards state and event", func(t *testing.T) {
		account := createAccount(t, accounts, "tx-rollback@example.org", base)
		boom := errors.New("boom")

		err := txm.WithTx(ctx, func(tx repositories.Tx) error {
			state, err := tx.LockAttemptState(ctx, account.ID)
			if err != nil {
				return err
			}
			state.ConsecutiveFailures = 1
			if err := tx.SaveAttemptState(ctx, state); err != nil {
				return err
			}
			if _, err := tx.AppendEvent(ctx, &models.SecurityEvent{
				AccountID: account.ID, Type: models.EventLoginFailure, Severity: models.SeverityLow, Timestamp: base,
			}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = attempts.GetState(ctx, account.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		n, err := events.Count(ctx, models.EventFilter{AccountID: account.ID})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("event query filters and pages newest first", func(t *testing.T) {
		account := createAccount(t, accounts, "query@example.org", base)
		for i, typ := range []models.EventType{
			models.EventLoginFailure, models.EventLoginFailure, models.EventNewDeviceLogin, models.EventLoginSuccess,
		} {
			_, err := events.Append(ctx, &models.SecurityEvent{
				AccountID: account.ID, Type: typ, Severity: models.SeverityLow,
				Timestamp: base.Add(time.Duration(i) * time.Minute), OriginIP: "198.51.100.7",
				Details: models.EventDetails{"device": "Firefox on Linux"},
			})
			require.NoError(t, err)
		}

		got, total, err := events.Query(ctx, models.EventFilter{
			AccountID: account.ID,
			Types:     []models.EventType{models.EventLoginFailure, models.EventNewDeviceLogin},
			Limit:     2,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, got, 2)
		assert.Equal(t, models.EventNewDeviceLogin, got[0].Type)
		assert.True(t, got[0].Timestamp.After(got[1].Timestamp))

		since := base.Add(time.Minute)
		until := base.Add(3 * time.Minute)
		n, err := events.Count(ctx, models.EventFilter{AccountID: account.ID, Since: &since, Until: &until})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = events.Count(ctx, models.EventFilter{AccountID: account.ID, Search: "firefox"})
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})

	t.Run("anonymize keeps distinct subject counts", func(t *testing.T) {
		account := createAccount(t, accounts, "anon@example.org", base)
		for i := 0; i < 2; i++ {
			_, err := events.Append(ctx, &models.SecurityEvent{
				AccountID: account.ID, Type: models.EventSuspiciousActivity, Severity: models.SeverityMedium,
				Timestamp: base.Add(time.Duration(i) * time.Second), OriginIP: "192.0.2.9",
			})
			require.NoError(t, err)
		}
		filter := models.EventFilter{Types: []models.EventType{models.EventSuspiciousActivity}}
		before, err := events.CountDistinctSubjects(ctx, filter)
		require.NoError(t, err)

		n, err := events.AnonymizeAccount(ctx, account.ID, "anon-ref-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		after, err := events.CountDistinctSubjects(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		remaining, err := events.Count(ctx, models.EventFilter{AccountID: account.ID})
		require.NoError(t, err)
		assert.Zero(t, remaining)
	})

	t.Run("delete events before cutoff by type", func(t *testing.T) {
		account := createAccount(t, accounts, "purge@example.org", base)
		for _, ts := range []time.Time{base.Add(-48 * time.Hour), base} {
			_, err := events.Append(ctx, &models.SecurityEvent{
				AccountID: account.ID, Type: models.EventLoginSuccess, Severity: models.SeverityLow, Timestamp: ts,
			})
			require.NoError(t, err)
		}

		n, err := events.DeleteAccountEventsBefore(ctx, account.ID, []models.EventType{models.EventLoginSuccess}, base.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("pending confirmation replace and expiry", func(t *testing.T) {
		account := createAccount(t, accounts, "pending@example.org", base)
		put := func(id string, expires time.Time) {
			require.NoError(t, txm.WithTx(ctx, func(tx repositories.Tx) error {
				return tx.ReplacePending(ctx, &models.PendingDeviceConfirmation{
					ID: id, AccountID: account.ID, Fingerprint: "fp-1", CreatedAt: base, ExpiresAt: expires,
				})
			}))
		}
		put("pending-a", base.Add(10*time.Minute))
		put("pending-b", base.Add(10*time.Minute))

		_, err := pending.GetByID(ctx, "pending-a")
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = pending.GetByID(ctx, "pending-b")
		require.NoError(t, err)

		n, err := pending.DeleteExpired(ctx, base.Add(11*time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
		_, err = pending.GetByID(ctx, "pending-b")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("devices preferences and credentials purge", func(t *testing.T) {
		account := createAccount(t, accounts, "purge-all@example.org", base)
		require.NoError(t, credentials.SetPasswordHash(ctx, account.ID, "$2a$04$hash"))
		require.NoError(t, txm.WithTx(ctx, func(tx repositories.Tx) error {
			return tx.UpsertDevice(ctx, &models.DeviceRecord{
				AccountID: account.ID, Fingerprint: "fp-1", Label: "Firefox on Linux",
				FirstSeen: base, LastSeen: base, Trusted: true,
			})
		}))
		p := models.DefaultNotificationPreferences(account.ID)
		p.NewDeviceLogins = false
		p.UpdatedAt = base
		require.NoError(t, prefs.Upsert(ctx, p))

		require.NoError(t, devices.Touch(ctx, account.ID, "fp-1", base.Add(time.Hour)))
		d, err := devices.Get(ctx, account.ID, "fp-1")
		require.NoError(t, err)
		assert.True(t, d.LastSeen.Equal(base.Add(time.Hour)))

		gotPrefs, err := prefs.Get(ctx, account.ID)
		require.NoError(t, err)
		assert.False(t, gotPrefs.NewDeviceLogins)

		removed, err := devices.DeleteByAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		require.NoError(t, prefs.DeleteByAccount(ctx, account.ID))
		require.NoError(t, credentials.DeleteByAccount(ctx, account.ID))

		_, err = credentials.GetPasswordHash(ctx, account.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
		require.NoError(t, accounts.Scrub(ctx, account.ID, base.Add(2*time.Hour)))

		scrubbed, err := accounts.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.True(t, scrubbed.IsDeleted())
		assert.Empty(t, scrubbed.Email)

		total, err := accounts.CountTotal(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		totalAfter, err := accounts.CountTotal(ctx, base.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, total-1, totalAfter)
	})

	t.Run("closed account refuses new events", func(t *testing.T) {
		account := createAccount(t, accounts, "closing@example.org", base)
		require.NoError(t, accounts.MarkDeleting(ctx, account.ID))
		require.NoError(t, accounts.MarkDeleting(ctx, account.ID))

		closed, err := accounts.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountStatusDeleting, closed.Status)
		assert.False(t, closed.IsActive())

		_, err = events.Append(ctx, &models.SecurityEvent{
			AccountID: account.ID, Type: models.EventLoginFailure, Severity: models.SeverityLow,
			Timestamp: base, OriginIP: "203.0.113.10",
		})
		assert.ErrorIs(t, err, models.ErrAccountClosed)

		err = txm.WithTx(ctx, func(tx repositories.Tx) error {
			_, err := tx.AppendEvent(ctx, &models.SecurityEvent{
				AccountID: account.ID, Type: models.EventLoginSuccess, Severity: models.SeverityLow,
				Timestamp: base, OriginIP: "203.0.113.10",
			})
			return err
		})
		assert.ErrorIs(t, err, models.ErrAccountClosed)

		_, total, err := events.Query(ctx, models.EventFilter{AccountID: account.ID})
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("account wide revocation", func(t *testing.T) {
		revokedAt := base.Add(time.Hour)
		require.NoError(t, revocations.RevokeAllAccountTokens(ctx, "acct-revoked", revokedAt, revokedAt.Add(30*time.Minute), "account_deleted"))

		revoked, err := revocations.IsSessionRevoked(ctx, "jti-1", "acct-revoked", revokedAt.Add(-time.Minute))
		require.NoError(t, err)
		assert.True(t, revoked)

		revoked, err = revocations.IsSessionRevoked(ctx, "jti-2", "acct-revoked", revokedAt.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, revoked)

		n, err := revocations.CleanupExpiredTokens(ctx, revokedAt.Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
	})
}
