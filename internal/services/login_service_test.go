package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicdesk/accountguard/internal/models"
)

func loginRequest(email, password string, origin models.RequestOrigin) LoginRequest {
	return LoginRequest{Email: email, Password: password, Origin: origin}
}

// trustDevice runs a login from origin and confirms the resulting prompt
func trustDevice(t *testing.T, env *testEnv, email string, origin models.RequestOrigin) {
	t.Helper()
	result, err := env.login.Login(context.Background(), loginRequest(email, testPassword, origin))
	require.NoError(t, err)
	require.NotNil(t, result.Pending)
	_, err = env.login.ConfirmDevice(context.Background(), result.Pending.ID, true)
	require.NoError(t, err)
}

func TestLogin_NewDeviceIsHeldForConfirmation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "resident@example.org", models.RoleUser)

	result, err := env.login.Login(ctx, loginRequest("resident@example.org", testPassword, testOrigin("laptop")))
	require.NoError(t, err)
	assert.Nil(t, result.Session)
	require.NotNil(t, result.Pending)
	assert.Equal(t, account.ID, result.Pending.AccountID)

	assert.Equal(t, []models.EventType{models.EventNewDeviceLogin}, env.eventTypes(t, account.ID))
}

func TestLogin_DenyBlocksLoginAndConsumesPrompt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "resident@example.org", models.RoleUser)

	result, err := env.login.Login(ctx, loginRequest("resident@example.org", testPassword, testOrigin("new-phone")))
	require.NoError(t, err)
	require.NotNil(t, result.Pending)

	require.NoError(t, env.login.DenyDevice(ctx, result.Pending.ID))

	_, err = env.login.ConfirmDevice(ctx, result.Pending.ID, true)
	assert.ErrorIs(t, err, models.ErrNotFound)

	devices, err := env.devices.ListDevices(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, devices)

	assert.Equal(t, []models.EventType{models.EventNewDeviceLogin, models.EventDeviceDenied}, env.eventTypes(t, account.ID))
}

func TestLogin_ConfirmIssuesValidSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "resident@example.org", models.RoleUser)
	origin := testOrigin("laptop")

	result, err := env.login.Login(ctx, loginRequest("resident@example.org", testPassword, origin))
	require.NoError(t, err)

	session, err := env.login.ConfirmDevice(ctx, result.Pending.ID, true)
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(30*time.Minute), session.ExpiresAt)

	claims, err := env.sessions.ValidateSession(session.Token)
	require.NoError(t, err)
	assert.Equal(t, account.ID, claims.AccountID)
	assert.Equal(t, models.RoleUser, claims.Role)

	events := env.accountEvents(t, account.ID)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventLoginSuccess, events[2].Type)
	assert.Equal(t, origin.IP, events[2].OriginIP)
	assert.Equal(t, origin.Fingerprint(), events[2].Details.String(models.DetailFingerprint))
}

func TestLogin_TrustedDeviceGetsSessionDirectly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "resident@example.org", models.RoleUser)
	origin := testOrigin("laptop")
	trustDevice(t, env, "resident@example.org", origin)

	env.clock.Advance(time.Hour)
	result, err := env.login.Login(ctx, loginRequest("  Resident@Example.org ", testPassword, origin))
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	assert.Nil(t, result.Pending)

	device, err := env.store.Devices().Get(ctx, account.ID, origin.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now(), device.LastSeen)
}

func TestLogin_UntrustedKnownDeviceIsAskedAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "resident@example.org", models.RoleUser)
	origin := testOrigin("library-pc")

	result, err := env.login.Login(ctx, loginRequest("resident@example.org", testPassword, origin))
	require.NoError(t, err)
	_, err = env.login.ConfirmDevice(ctx, result.Pending.ID, false)
	require.NoError(t, err)

	result, err = env.login.Login(ctx, loginRequest("resident@example.org", testPassword, origin))
	require.NoError(t, err)
	assert.NotNil(t, result.Pending)
	assert.Nil(t, result.Session)
}

func TestLogin_UnknownEmailLooksLikeWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "resident@example.org", models.RoleUser)

	_, unknownErr := env.login.Login(ctx, loginRequest("nobody@example.org", testPassword, testOrigin("x")))
	_, wrongErr := env.login.Login(ctx, loginRequest("resident@example.org", "Wrong-Password-1", testOrigin("x")))

	assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
	assert.True(t, errors.Is(unknownErr, models.ErrUnauthorized))
}

func TestLogin_LocksAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "resident@example.org", models.RoleUser)
	origin := testOrigin("laptop")
	trustDevice(t, env, "resident@example.org", origin)

	for i := 0; i < 4; i++ {
		_, err := env.login.Login(ctx, loginRequest("resident@example.org", "Wrong-Password-1", origin))
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := env.login.Login(ctx, loginRequest("resident@example.org", "Wrong-Password-1", origin))
	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), locked.LockedUntil)

	// the correct password is refused while locked
	_, err = env.login.Login(ctx, loginRequest("resident@example.org", testPassword, origin))
	require.ErrorAs(t, err, &locked)

	types := env.eventTypes(t, account.ID)
	assert.Equal(t, models.EventAccountLocked, types[len(types)-2])
	assert.Equal(t, models.EventSuspiciousActivity, types[len(types)-1])

	env.clock.Advance(15 * time.Minute)
	result, err := env.login.Login(ctx, loginRequest("resident@example.org", testPassword, origin))
	require.NoError(t, err)
	require.NotNil(t, result.Session)

	types = env.eventTypes(t, account.ID)
	assert.Equal(t, []models.EventType{models.EventAccountUnlocked, models.EventLoginSuccess}, types[len(types)-2:])
}

func TestLogin_DeletedAccountCannotLogIn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "resident@example.org", models.RoleUser)

	_, err := env.compliance.DeleteAccount(ctx, account.ID, false)
	require.NoError(t, err)

	_, err = env.login.Login(ctx, loginRequest("resident@example.org", testPassword, testOrigin("laptop")))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestConfirmDevice_AfterWindowReturnsExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "resident@example.org", models.RoleUser)

	result, err := env.login.Login(ctx, loginRequest("resident@example.org", testPassword, testOrigin("laptop")))
	require.NoError(t, err)

	env.clock.Advance(11 * time.Minute)
	_, err = env.login.ConfirmDevice(ctx, result.Pending.ID, true)
	assert.ErrorIs(t, err, models.ErrExpired)
}

func TestConfirmDevice_LockedWhilePromptOpenLeavesDeviceUntrusted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "resident@example.org", models.RoleUser)

	result, err := env.login.Login(ctx, loginRequest("resident@example.org", testPassword, testOrigin("laptop")))
	require.NoError(t, err)
	require.NotNil(t, result.Pending)

	for i := 0; i < DefaultLockoutPolicy().Threshold; i++ {
		_, err = env.login.Login(ctx, loginRequest("resident@example.org", "wrong-password", testOrigin("attacker")))
		require.Error(t, err)
	}

	_, err = env.login.ConfirmDevice(ctx, result.Pending.ID, true)
	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)
	assert.ErrorIs(t, err, models.ErrAccountLocked)

	identity, err := env.devices.Identify(ctx, account.ID, result.Pending.Fingerprint)
	require.NoError(t, err)
	assert.False(t, identity.Known)

	_, err = env.store.Pending().GetByID(ctx, result.Pending.ID)
	assert.NoError(t, err, "prompt stays open while the account is locked")

	types := env.eventTypes(t, account.ID)
	assert.NotContains(t, types, models.EventDeviceConfirmed)
	assert.NotContains(t, types, models.EventLoginSuccess)
}
