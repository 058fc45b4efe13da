package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicdesk/accountguard/internal/handlers"
	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/services"
)

func TestListDevices_Success(t *testing.T) {
	seen := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	devices := &handlers.MockDeviceManager{
		ListDevicesFunc: func(ctx context.Context, accountID string) ([]*models.DeviceRecord, error) {
			assert.Equal(t, "acct-1", accountID)
			return []*models.DeviceRecord{
				{AccountID: accountID, Fingerprint: "fp-laptop", FirstSeen: seen, LastSeen: seen, Trusted: true},
				{AccountID: accountID, Fingerprint: "fp-phone", FirstSeen: seen, LastSeen: seen},
			}, nil
		},
	}
	h := handlers.NewAccountHandler(devices, &handlers.MockPreferencesManager{}, discardLogger())

	req := handlers.WithSessionContext(httptest.NewRequest("GET", "/me/devices", nil), "acct-1", models.RoleUser)
	w := httptest.NewRecorder()
	h.ListDevices(w, req)

	var resp handlers.DeviceListResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.Len(t, resp.Devices, 2)
	assert.Equal(t, "fp-laptop", resp.Devices[0].Fingerprint)
	assert.True(t, resp.Devices[0].Trusted)
	assert.False(t, resp.Devices[1].Trusted)
	assert.NotContains(t, w.Body.String(), "acct-1")
}

func TestListDevices_EmptyListIsArray(t *testing.T) {
	h := handlers.NewAccountHandler(&handlers.MockDeviceManager{}, &handlers.MockPreferencesManager{}, discardLogger())

	req := handlers.WithSessionContext(httptest.NewRequest("GET", "/me/devices", nil), "acct-1", models.RoleUser)
	w := httptest.NewRecorder()
	h.ListDevices(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"devices":[]}`, w.Body.String())
}

func TestListDevices_RequiresSession(t *testing.T) {
	h := handlers.NewAccountHandler(&handlers.MockDeviceManager{}, &handlers.MockPreferencesManager{}, discardLogger())

	w := httptest.NewRecorder()
	h.ListDevices(w, httptest.NewRequest("GET", "/me/devices", nil))

	handlers.AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
}

func TestRevokeDevice(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "revoked", wantStatus: http.StatusNoContent},
		{name: "unknown device", err: models.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "storage", err: errors.New("delete device: conn reset"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAccount, gotFingerprint string
			devices := &handlers.MockDeviceManager{
				RevokeDeviceFunc: func(ctx context.Context, accountID, fingerprint string) error {
					gotAccount, gotFingerprint = accountID, fingerprint
					return tt.err
				},
			}
			h := handlers.NewAccountHandler(devices, &handlers.MockPreferencesManager{}, discardLogger())

			req := httptest.NewRequest("DELETE", "/me/devices/fp-phone", nil)
			req = handlers.WithURLParam(handlers.WithSessionContext(req, "acct-1", models.RoleUser), "fingerprint", "fp-phone")
			w := httptest.NewRecorder()
			h.RevokeDevice(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "acct-1", gotAccount)
			assert.Equal(t, "fp-phone", gotFingerprint)
		})
	}
}

func TestGetPreferences_Defaults(t *testing.T) {
	h := handlers.NewAccountHandler(&handlers.MockDeviceManager{}, &handlers.MockPreferencesManager{}, discardLogger())

	req := handlers.WithSessionContext(httptest.NewRequest("GET", "/me/notification-preferences", nil), "acct-1", models.RoleUser)
	w := httptest.NewRecorder()
	h.GetPreferences(w, req)

	var resp models.NotificationPreferences
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.True(t, resp.EmailNotifications)
	assert.True(t, resp.SecurityAlerts)
	assert.True(t, resp.AccountActivity)
	assert.True(t, resp.NewDeviceLogins)
}

func TestUpdatePreferences_PartialUpdate(t *testing.T) {
	var got services.PreferencesUpdate
	prefs := &handlers.MockPreferencesManager{
		UpdatePreferencesFunc: func(ctx context.Context, accountID string, update services.PreferencesUpdate) (*models.NotificationPreferences, error) {
			got = update
			p := models.DefaultNotificationPreferences(accountID)
			p.NewDeviceLogins = *update.NewDeviceLogins
			return p, nil
		},
	}
	h := handlers.NewAccountHandler(&handlers.MockDeviceManager{}, prefs, discardLogger())

	req := handlers.NewTestRequest(t, "PUT", "/me/notification-preferences", map[string]bool{"newDeviceLogins": false})
	req = handlers.WithSessionContext(req, "acct-1", models.RoleUser)
	w := httptest.NewRecorder()
	h.UpdatePreferences(w, req)

	var resp models.NotificationPreferences
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.False(t, resp.NewDeviceLogins)
	assert.True(t, resp.SecurityAlerts)

	require.NotNil(t, got.NewDeviceLogins)
	assert.False(t, *got.NewDeviceLogins)
	assert.Nil(t, got.EmailNotifications)
	assert.Nil(t, got.SecurityAlerts)
	assert.Nil(t, got.AccountActivity)
}

func TestUpdatePreferences_RejectsBadBody(t *testing.T) {
	called := false
	prefs := &handlers.MockPreferencesManager{
		UpdatePreferencesFunc: func(ctx context.Context, accountID string, update services.PreferencesUpdate) (*models.NotificationPreferences, error) {
			called = true
			return nil, nil
		},
	}
	h := handlers.NewAccountHandler(&handlers.MockDeviceManager{}, prefs, discardLogger())

	for _, body := range []string{``, `{"smsAlerts":true}`, `{"securityAlerts":"yes"}`} {
		req := httptest.NewRequest("PUT", "/me/notification-preferences", strings.NewReader(body))
		req = handlers.WithSessionContext(req, "acct-1", models.RoleUser)
		w := httptest.NewRecorder()
		h.UpdatePreferences(w, req)
		handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
	}
	assert.False(t, called)
}

func TestUpdatePreferences_StoreError(t *testing.T) {
	prefs := &handlers.MockPreferencesManager{
		UpdatePreferencesFunc: func(ctx context.Context, accountID string, update services.PreferencesUpdate) (*models.NotificationPreferences, error) {
			return nil, errors.New("upsert preferences: read only transaction")
		},
	}
	h := handlers.NewAccountHandler(&handlers.MockDeviceManager{}, prefs, discardLogger())

	req := handlers.NewTestRequest(t, "PUT", "/me/notification-preferences", map[string]bool{"securityAlerts": true})
	req = handlers.WithSessionContext(req, "acct-1", models.RoleUser)
	w := httptest.NewRecorder()
	h.UpdatePreferences(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error")
}
