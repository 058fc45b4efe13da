package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/civicdesk/accountguard/internal/auth"
	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/services"
	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithSessionContext adds session claims to request context for testing authenticated endpoints
func WithSessionContext(req *http.Request, accountID, role string) *http.Request {
	claims := &models.SessionClaims{
		Type:      models.TokenTypeSession,
		AccountID: accountID,
		Role:      role,
	}
	return req.WithContext(auth.WithSession(req.Context(), claims))
}

// WithURLParam sets a chi route parameter on the request
func WithURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(req.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockLoginFlow implements LoginFlow for testing
type MockLoginFlow struct {
	LoginFunc         func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	ConfirmDeviceFunc func(ctx context.Context, pendingID string, trustDevice bool) (*models.SessionToken, error)
	DenyDeviceFunc    func(ctx context.Context, pendingID string) error
}

func (m *MockLoginFlow) Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, req)
	}
	return nil, models.ErrUnauthorized
}

func (m *MockLoginFlow) ConfirmDevice(ctx context.Context, pendingID string, trustDevice bool) (*models.SessionToken, error) {
	if m.ConfirmDeviceFunc != nil {
		return m.ConfirmDeviceFunc(ctx, pendingID, trustDevice)
	}
	return nil, models.ErrNotFound
}

func (m *MockLoginFlow) DenyDevice(ctx context.Context, pendingID string) error {
	if m.DenyDeviceFunc != nil {
		return m.DenyDeviceFunc(ctx, pendingID)
	}
	return models.ErrNotFound
}

// MockSecurityMetrics implements SecurityMetricsProvider for testing
type MockSecurityMetrics struct {
	ResolveRangeFunc func(name, since, until string) (models.TimeRange, error)
	MetricsFunc      func(ctx context.Context, r models.TimeRange) (*models.SecurityMetrics, error)
	EventsFunc       func(ctx context.Context, r models.TimeRange, filter models.EventFilter, page, pageSize int) (*models.EventPage, error)
	ExportCSVFunc    func(ctx context.Context, r models.TimeRange, filter models.EventFilter, w io.Writer) (int, error)
}

func (m *MockSecurityMetrics) ResolveRange(name, since, until string) (models.TimeRange, error) {
	if m.ResolveRangeFunc != nil {
		return m.ResolveRangeFunc(name, since, until)
	}
	return models.TimeRange{Label: models.DefaultRange}, nil
}

func (m *MockSecurityMetrics) Metrics(ctx context.Context, r models.TimeRange) (*models.SecurityMetrics, error) {
	if m.MetricsFunc != nil {
		return m.MetricsFunc(ctx, r)
	}
	return &models.SecurityMetrics{Range: r}, nil
}

func (m *MockSecurityMetrics) Events(ctx context.Context, r models.TimeRange, filter models.EventFilter, page, pageSize int) (*models.EventPage, error) {
	if m.EventsFunc != nil {
		return m.EventsFunc(ctx, r, filter, page, pageSize)
	}
	return &models.EventPage{Events: []*models.SecurityEvent{}, Page: page, PageSize: pageSize}, nil
}

func (m *MockSecurityMetrics) ExportCSV(ctx context.Context, r models.TimeRange, filter models.EventFilter, w io.Writer) (int, error) {
	if m.ExportCSVFunc != nil {
		return m.ExportCSVFunc(ctx, r, filter, w)
	}
	return 0, nil
}

// MockComplianceService implements ComplianceServiceInterface for testing
type MockComplianceService struct {
	ExportAccountDataFunc func(ctx context.Context, accountID string) (*models.DataExportBundle, error)
	DeleteAccountFunc     func(ctx context.Context, accountID string, preserveAnonymized bool) (*models.DeletionReport, error)
}

func (m *MockComplianceService) ExportAccountData(ctx context.Context, accountID string) (*models.DataExportBundle, error) {
	if m.ExportAccountDataFunc != nil {
		return m.ExportAccountDataFunc(ctx, accountID)
	}
	return nil, models.ErrNotFound
}

func (m *MockComplianceService) DeleteAccount(ctx context.Context, accountID string, preserveAnonymized bool) (*models.DeletionReport, error) {
	if m.DeleteAccountFunc != nil {
		return m.DeleteAccountFunc(ctx, accountID, preserveAnonymized)
	}
	return &models.DeletionReport{AccountID: accountID}, nil
}

// MockDeviceManager implements DeviceManager for testing
type MockDeviceManager struct {
	ListDevicesFunc  func(ctx context.Context, accountID string) ([]*models.DeviceRecord, error)
	RevokeDeviceFunc func(ctx context.Context, accountID, fingerprint string) error
}

func (m *MockDeviceManager) ListDevices(ctx context.Context, accountID string) ([]*models.DeviceRecord, error) {
	if m.ListDevicesFunc != nil {
		return m.ListDevicesFunc(ctx, accountID)
	}
	return nil, nil
}

func (m *MockDeviceManager) RevokeDevice(ctx context.Context, accountID, fingerprint string) error {
	if m.RevokeDeviceFunc != nil {
		return m.RevokeDeviceFunc(ctx, accountID, fingerprint)
	}
	return nil
}

// MockPreferencesManager implements PreferencesManager for testing
type MockPreferencesManager struct {
	GetPreferencesFunc    func(ctx context.Context, accountID string) (*models.NotificationPreferences, error)
	UpdatePreferencesFunc func(ctx context.Context, accountID string, update services.PreferencesUpdate) (*models.NotificationPreferences, error)
}

func (m *MockPreferencesManager) GetPreferences(ctx context.Context, accountID string) (*models.NotificationPreferences, error) {
	if m.GetPreferencesFunc != nil {
		return m.GetPreferencesFunc(ctx, accountID)
	}
	return models.DefaultNotificationPreferences(accountID), nil
}

func (m *MockPreferencesManager) UpdatePreferences(ctx context.Context, accountID string, update services.PreferencesUpdate) (*models.NotificationPreferences, error) {
	if m.UpdatePreferencesFunc != nil {
		return m.UpdatePreferencesFunc(ctx, accountID, update)
	}
	return models.DefaultNotificationPreferences(accountID), nil
}
