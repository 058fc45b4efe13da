package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/civicdesk/accountguard/internal/auth"
	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/repositories"
	"github.com/civicdesk/accountguard/internal/repositories/memstore"
	pkgauth "github.com/civicdesk/accountguard/pkg/auth"
)

const testPassword = "Correct-Horse-9-Battery"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingDispatcher collects events handed over after commit
type recordingDispatcher struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, event *models.SecurityEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *recordingDispatcher) Types() []models.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	types := make([]models.EventType, len(d.events))
	for i, e := range d.events {
		types[i] = e.Type
	}
	return types
}

// MockNotificationSender implements NotificationSender for testing
type MockNotificationSender struct {
	SendFunc func(ctx context.Context, accountID string, kind TemplateKind, payload NotificationPayload) (*DeliveryReceipt, error)
}

func (m *MockNotificationSender) Send(ctx context.Context, accountID string, kind TemplateKind, payload NotificationPayload) (*DeliveryReceipt, error) {
	if m.SendFunc != nil {
		return m.SendFunc(ctx, accountID, kind, payload)
	}
	return &DeliveryReceipt{MessageID: "mock"}, nil
}

// MockPreferencesRepository implements PreferencesRepository for testing
type MockPreferencesRepository struct {
	GetFunc    func(ctx context.Context, accountID string) (*models.NotificationPreferences, error)
	UpsertFunc func(ctx context.Context, prefs *models.NotificationPreferences) error
}

func (m *MockPreferencesRepository) Get(ctx context.Context, accountID string) (*models.NotificationPreferences, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, accountID)
	}
	return nil, models.ErrNotFound
}

func (m *MockPreferencesRepository) Upsert(ctx context.Context, prefs *models.NotificationPreferences) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, prefs)
	}
	return nil
}

// failingAppendRunner runs transactions whose event appends always fail
type failingAppendRunner struct {
	inner repositories.TxRunner
}

func (r failingAppendRunner) WithTx(ctx context.Context, fn func(tx repositories.Tx) error) error {
	return r.inner.WithTx(ctx, func(tx repositories.Tx) error {
		return fn(failingAppendTx{tx})
	})
}

type failingAppendTx struct {
	repositories.Tx
}

func (failingAppendTx) AppendEvent(ctx context.Context, event *models.SecurityEvent) (int64, error) {
	return 0, errors.New("event log unavailable")
}

// testEnv wires every service against one in-memory store and a shared fake clock
type testEnv struct {
	store      *memstore.Store
	clock      *fakeClock
	dispatcher *recordingDispatcher
	hasher     *pkgauth.PasswordHasher
	sessions   *auth.SessionManager

	events     *EventLogService
	tracker    *LoginAttemptService
	devices    *DeviceTrustService
	metrics    *SecurityMetricsService
	compliance *ComplianceService
	identity   *PasswordIdentityStore
	login      *LoginService
}

func testRetentionPolicy() models.RetentionPolicy {
	day := 24 * time.Hour
	return models.NewRetentionPolicy(90*day, map[models.EventCategory]time.Duration{
		models.CategoryAuthentication: 30 * day,
		models.CategoryLockout:        180 * day,
		models.CategoryDevice:         60 * day,
		models.CategoryIncident:       365 * day,
	})
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()

	env := &testEnv{
		store:      memstore.New(),
		clock:      newFakeClock(),
		dispatcher: &recordingDispatcher{},
		hasher:     pkgauth.NewPasswordHasher(0),
		sessions:   auth.NewSessionManager("test-session-secret-0123456789abcdef", 30*time.Minute),
	}
	env.sessions.SetClock(env.clock.Now)

	env.events = NewEventLogService(env.store.Events(), env.dispatcher, nil, logger)
	env.events.SetClock(env.clock.Now)

	env.tracker = NewLoginAttemptService(env.store, env.store.Attempts(), env.events, DefaultLockoutPolicy(), nil, logger)
	env.devices = NewDeviceTrustService(env.store, env.store.Devices(), env.store.Pending(), env.events, DefaultConfirmWindow, logger)
	env.metrics = NewSecurityMetricsService(env.store.Events(), env.store.Accounts(), env.events, logger)
	env.compliance = NewComplianceService(ComplianceStores{
		Accounts:    env.store.Accounts(),
		Complaints:  env.store.Complaints(),
		Events:      env.store.Events(),
		Devices:     env.store.Devices(),
		Pending:     env.store.Pending(),
		Attempts:    env.store.Attempts(),
		Credentials: env.store.Credentials(),
		Preferences: env.store.Preferences(),
		Sessions:    env.store.Revocations(),
	}, env.events, testRetentionPolicy(), 30*time.Minute, logger)
	env.identity = NewPasswordIdentityStore(env.store.Accounts(), env.store.Credentials(), env.hasher, logger)
	env.login = NewLoginService(env.identity, env.tracker, env.devices, env.store.Accounts(), env.sessions,
		auth.NewTimingDelay(auth.TimingConfig{}), nil, logger)

	return env
}

// seedAccount creates an active account with testPassword, created at the current clock time
func (e *testEnv) seedAccount(t *testing.T, email, role string) *models.Account {
	t.Helper()
	ctx := context.Background()

	account := &models.Account{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: "Test " + role,
		Role:        role,
		Status:      models.AccountStatusActive,
		CreatedAt:   e.clock.Now(),
	}
	require.NoError(t, e.store.Accounts().Create(ctx, account))

	hash, err := e.hasher.Hash(testPassword)
	require.NoError(t, err)
	require.NoError(t, e.store.Credentials().SetPasswordHash(ctx, account.ID, hash))
	return account
}

// eventTypes returns the account's event types oldest first
func (e *testEnv) eventTypes(t *testing.T, accountID string) []models.EventType {
	t.Helper()
	events, _, err := e.store.Events().Query(context.Background(), models.EventFilter{AccountID: accountID})
	require.NoError(t, err)
	types := make([]models.EventType, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		types = append(types, events[i].Type)
	}
	return types
}

// accountEvents returns the account's events oldest first
func (e *testEnv) accountEvents(t *testing.T, accountID string) []*models.SecurityEvent {
	t.Helper()
	events, _, err := e.store.Events().Query(context.Background(), models.EventFilter{AccountID: accountID})
	require.NoError(t, err)
	out := make([]*models.SecurityEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
	}
	return out
}

func testOrigin(clientID string) models.RequestOrigin {
	return models.RequestOrigin{
		IP:             "203.0.113.10",
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) Firefox/130.0",
		ClientDeviceID: clientID,
	}
}
