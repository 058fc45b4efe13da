package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/civicdesk/accountguard/internal/auth"
	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/services"
	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

// DeviceManager defines the device operations available to the account holder
type DeviceManager interface {
	ListDevices(ctx context.Context, accountID string) ([]*models.DeviceRecord, error)
	RevokeDevice(ctx context.Context, accountID, fingerprint string) error
}

// PreferencesManager defines notification preference reads and updates
type PreferencesManager interface {
	GetPreferences(ctx context.Context, accountID string) (*models.NotificationPreferences, error)
	UpdatePreferences(ctx context.Context, accountID string, update services.PreferencesUpdate) (*models.NotificationPreferences, error)
}

// AccountHandler serves the signed in account's own devices and preferences
type AccountHandler struct {
	devices DeviceManager
	prefs   PreferencesManager
	logger  *slog.Logger
}

// NewAccountHandler creates a new AccountHandler
func NewAccountHandler(devices DeviceManager, prefs PreferencesManager, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{devices: devices, prefs: prefs, logger: logger}
}

// PreferencesBody represents a partial preference update; omitted fields are unchanged
type PreferencesBody struct {
	EmailNotifications *bool `json:"emailNotifications"`
	SecurityAlerts     *bool `json:"securityAlerts"`
	AccountActivity    *bool `json:"accountActivity"`
	NewDeviceLogins    *bool `json:"newDeviceLogins"`
}

// DeviceListResponse wraps the device list
type DeviceListResponse struct {
	Devices []*models.DeviceRecord `json:"devices"`
}

// ListDevices returns the caller's recorded devices
// @Router /me/devices [get]
func (h *AccountHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Sign in to continue.")
		return
	}

	devices, err := h.devices.ListDevices(r.Context(), claims.AccountID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "device listing failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Your devices could not be loaded. Try again shortly.")
		return
	}
	if devices == nil {
		devices = []*models.DeviceRecord{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, DeviceListResponse{Devices: devices})
}

// RevokeDevice forgets one of the caller's devices
// @Router /me/devices/{fingerprint} [delete]
func (h *AccountHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Sign in to continue.")
		return
	}

	fingerprint := chi.URLParam(r, "fingerprint")
	if err := h.devices.RevokeDevice(r.Context(), claims.AccountID, fingerprint); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "That device is not on your account. Refresh your device list.")
			return
		}
		h.logger.ErrorContext(r.Context(), "device revoke failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "The device could not be removed. Try again shortly.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPreferences returns the caller's notification preferences
// @Router /me/notification-preferences [get]
func (h *AccountHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Sign in to continue.")
		return
	}

	prefs, err := h.prefs.GetPreferences(r.Context(), claims.AccountID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "preference lookup failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Your preferences could not be loaded. Try again shortly.")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences applies a partial preference update
// @Router /me/notification-preferences [put]
func (h *AccountHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Sign in to continue.")
		return
	}

	var body PreferencesBody
	if !decodeJSON(w, r, &body, false) {
		return
	}

	prefs, err := h.prefs.UpdatePreferences(r.Context(), claims.AccountID, services.PreferencesUpdate{
		EmailNotifications: body.EmailNotifications,
		SecurityAlerts:     body.SecurityAlerts,
		AccountActivity:    body.AccountActivity,
		NewDeviceLogins:    body.NewDeviceLogins,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "preference update failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Your preferences could not be saved. Try again shortly.")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, prefs)
}
