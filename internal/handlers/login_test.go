package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicdesk/accountguard/internal/handlers"
	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/services"
	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loginBody() map[string]string {
	return map[string]string{"email": "resident@example.org", "password": "Correct-Horse-9-Battery"}
}

// ── Login ─────────────────────────────────────────────────────────────────────

func TestLogin_TrustedDevice_Returns200WithSession(t *testing.T) {
	expires := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	var got services.LoginRequest
	flow := &handlers.MockLoginFlow{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			got = req
			return &services.LoginResult{Session: &models.SessionToken{Token: "signed.jwt", ExpiresAt: expires}}, nil
		},
	}
	h := handlers.NewLoginHandler(flow, &pkghttp.IPConfig{}, discardLogger())

	body := loginBody()
	body["deviceId"] = "laptop-1"
	req := handlers.NewTestRequest(t, "POST", "/login", body)
	req.RemoteAddr = "203.0.113.10:51234"
	req.Header.Set("User-Agent", "Firefox/130.0")
	w := httptest.NewRecorder()
	h.Login(w, req)

	var resp handlers.SessionResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "signed.jwt", resp.SessionToken)
	assert.Equal(t, expires, resp.ExpiresAt)

	assert.Equal(t, "resident@example.org", got.Email)
	assert.Equal(t, "203.0.113.10", got.Origin.IP)
	assert.Equal(t, "Firefox/130.0", got.Origin.UserAgent)
	assert.Equal(t, "laptop-1", got.Origin.ClientDeviceID)
}

func TestLogin_DeviceHeaderUsedWhenBodyOmitsId(t *testing.T) {
	var got services.LoginRequest
	flow := &handlers.MockLoginFlow{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			got = req
			return &services.LoginResult{Session: &models.SessionToken{Token: "t"}}, nil
		},
	}
	h := handlers.NewLoginHandler(flow, nil, discardLogger())

	req := handlers.NewTestRequest(t, "POST", "/login", loginBody())
	req.Header.Set(pkghttp.ClientDeviceHeader, "header-device")
	w := httptest.NewRecorder()
	h.Login(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "header-device", got.Origin.ClientDeviceID)
}

func TestLogin_NewDevice_Returns202(t *testing.T) {
	expires := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	flow := &handlers.MockLoginFlow{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			return &services.LoginResult{Pending: &models.PendingDeviceConfirmation{ID: "pending-1", ExpiresAt: expires}}, nil
		},
	}
	h := handlers.NewLoginHandler(flow, nil, discardLogger())

	w := httptest.NewRecorder()
	h.Login(w, handlers.NewTestRequest(t, "POST", "/login", loginBody()))

	var resp handlers.PendingConfirmationResponse
	handlers.AssertJSONResponse(t, w, http.StatusAccepted, &resp)
	assert.Equal(t, "pending-1", resp.PendingConfirmationID)
	assert.Equal(t, expires, resp.ExpiresAt)
	assert.Contains(t, resp.Message, "Confirm or deny")
	assert.NotContains(t, resp.Message, "email", "delivery depends on preferences and may be skipped")
	assert.NotContains(t, w.Body.String(), "sessionToken")
}

func TestLogin_InvalidCredentials_Returns401WithoutCounts(t *testing.T) {
	flow := &handlers.MockLoginFlow{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			return nil, services.ErrInvalidCredentials
		},
	}
	h := handlers.NewLoginHandler(flow, nil, discardLogger())

	w := httptest.NewRecorder()
	h.Login(w, handlers.NewTestRequest(t, "POST", "/login", loginBody()))

	var resp handlers.LoginFailureResponse
	handlers.AssertJSONResponse(t, w, http.StatusUnauthorized, &resp)
	assert.Equal(t, "invalid_credentials", resp.Error)
	assert.Nil(t, resp.LockedUntil)
	assert.NotContains(t, w.Body.String(), "remaining")
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestLogin_Locked_Returns423WithRetryAfter(t *testing.T) {
	until := time.Now().Add(10 * time.Minute)
	flow := &handlers.MockLoginFlow{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			return nil, &models.LockedError{LockedUntil: until}
		},
	}
	h := handlers.NewLoginHandler(flow, nil, discardLogger())

	w := httptest.NewRecorder()
	h.Login(w, handlers.NewTestRequest(t, "POST", "/login", loginBody()))

	var resp handlers.LoginFailureResponse
	handlers.AssertJSONResponse(t, w, http.StatusLocked, &resp)
	assert.Equal(t, "account_locked", resp.Error)
	require.NotNil(t, resp.LockedUntil)
	assert.WithinDuration(t, until, *resp.LockedUntil, time.Second)

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 600, retryAfter, 2)
	assert.InDelta(t, 600, resp.RetryAfterSeconds, 2)
}

func TestLogin_ServiceError_Returns500(t *testing.T) {
	flow := &handlers.MockLoginFlow{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			return nil, errors.New("append security event: connection refused")
		},
	}
	h := handlers.NewLoginHandler(flow, nil, discardLogger())

	w := httptest.NewRecorder()
	h.Login(w, handlers.NewTestRequest(t, "POST", "/login", loginBody()))

	handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error")
}

func TestLogin_InvalidBody(t *testing.T) {
	called := false
	flow := &handlers.MockLoginFlow{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			called = true
			return nil, nil
		},
	}
	h := handlers.NewLoginHandler(flow, nil, discardLogger())

	tests := []struct {
		name    string
		body    string
		errCode string
	}{
		{name: "malformed json", body: `{"email":`, errCode: "bad_request"},
		{name: "unknown field", body: `{"email":"a@example.org","password":"x","admin":true}`, errCode: "bad_request"},
		{name: "missing password", body: `{"email":"a@example.org"}`, errCode: "validation_failed"},
		{name: "bad email", body: `{"email":"not-an-email","password":"x"}`, errCode: "validation_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/login", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.Login(w, req)
			handlers.AssertErrorResponse(t, w, http.StatusBadRequest, tt.errCode)
		})
	}
	assert.False(t, called)
}

func TestLogin_ValidationNamesJSONField(t *testing.T) {
	h := handlers.NewLoginHandler(&handlers.MockLoginFlow{}, nil, discardLogger())

	req := httptest.NewRequest("POST", "/login", strings.NewReader(`{"email":"a@example.org"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Details, "password")
}

// ── Device confirmation ───────────────────────────────────────────────────────

func TestConfirmDevice_Returns200WithSession(t *testing.T) {
	var gotID string
	var gotTrust bool
	flow := &handlers.MockLoginFlow{
		ConfirmDeviceFunc: func(ctx context.Context, pendingID string, trustDevice bool) (*models.SessionToken, error) {
			gotID, gotTrust = pendingID, trustDevice
			return &models.SessionToken{Token: "signed.jwt"}, nil
		},
	}
	h := handlers.NewLoginHandler(flow, nil, discardLogger())

	req := handlers.NewTestRequest(t, "POST", "/devices/pending-1/confirm", map[string]bool{"trustDevice": true})
	req = handlers.WithURLParam(req, "pendingId", "pending-1")
	w := httptest.NewRecorder()
	h.ConfirmDevice(w, req)

	var resp handlers.SessionResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "signed.jwt", resp.SessionToken)
	assert.Equal(t, "pending-1", gotID)
	assert.True(t, gotTrust)
}

func TestConfirmDevice_EmptyBodyDoesNotTrust(t *testing.T) {
	gotTrust := true
	flow := &handlers.MockLoginFlow{
		ConfirmDeviceFunc: func(ctx context.Context, pendingID string, trustDevice bool) (*models.SessionToken, error) {
			gotTrust = trustDevice
			return &models.SessionToken{Token: "signed.jwt"}, nil
		},
	}
	h := handlers.NewLoginHandler(flow, nil, discardLogger())

	req := httptest.NewRequest("POST", "/devices/pending-1/confirm", nil)
	req = handlers.WithURLParam(req, "pendingId", "pending-1")
	w := httptest.NewRecorder()
	h.ConfirmDevice(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gotTrust)
}

func TestConfirmDevice_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		errCode string
	}{
		{name: "unknown", err: models.ErrNotFound, status: http.StatusNotFound, errCode: "not_found"},
		{name: "expired", err: models.ErrExpired, status: http.StatusGone, errCode: "expired"},
		{name: "locked", err: &models.LockedError{LockedUntil: time.Now().Add(time.Minute)}, status: http.StatusLocked, errCode: "account_locked"},
		{name: "storage", err: errors.New("boom"), status: http.StatusInternalServerError, errCode: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &handlers.MockLoginFlow{
				ConfirmDeviceFunc: func(ctx context.Context, pendingID string, trustDevice bool) (*models.SessionToken, error) {
					return nil, tt.err
				},
			}
			h := handlers.NewLoginHandler(flow, nil, discardLogger())

			req := handlers.WithURLParam(httptest.NewRequest("POST", "/devices/p/confirm", nil), "pendingId", "p")
			w := httptest.NewRecorder()
			h.ConfirmDevice(w, req)
			handlers.AssertErrorResponse(t, w, tt.status, tt.errCode)
		})
	}
}

func TestDenyDevice(t *testing.T) {
	var denied string
	flow := &handlers.MockLoginFlow{
		DenyDeviceFunc: func(ctx context.Context, pendingID string) error {
			if pendingID != "pending-1" {
				return models.ErrNotFound
			}
			denied = pendingID
			return nil
		},
	}
	h := handlers.NewLoginHandler(flow, nil, discardLogger())

	w := httptest.NewRecorder()
	h.DenyDevice(w, handlers.WithURLParam(httptest.NewRequest("POST", "/devices/pending-1/deny", nil), "pendingId", "pending-1"))
	var resp handlers.MessageResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "pending-1", denied)
	assert.NotEmpty(t, resp.Message)

	w = httptest.NewRecorder()
	h.DenyDevice(w, handlers.WithURLParam(httptest.NewRequest("POST", "/devices/other/deny", nil), "pendingId", "other"))
	handlers.AssertErrorResponse(t, w, http.StatusNotFound, "not_found")
}
