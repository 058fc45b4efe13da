package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/services"
	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

// LoginFlow defines the login and device confirmation operations
type LoginFlow interface {
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	ConfirmDevice(ctx context.Context, pendingID string, trustDevice bool) (*models.SessionToken, error)
	DenyDevice(ctx context.Context, pendingID string) error
}

// LoginHandler handles credential submission and device confirmation
type LoginHandler struct {
	flow     LoginFlow
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewLoginHandler creates a new LoginHandler
func NewLoginHandler(flow LoginFlow, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{
		flow:     flow,
		ipConfig: ipConfig,
		logger:   logger,
		now:      time.Now,
	}
}

// Request DTOs

// LoginBody represents the request body for login
type LoginBody struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
	DeviceID string `json:"deviceId" validate:"omitempty,max=128,printascii"`
}

// ConfirmDeviceBody represents the request body for device confirmation
type ConfirmDeviceBody struct {
	TrustDevice bool `json:"trustDevice"`
}

// Response DTOs

// SessionResponse is returned once a login completes
type SessionResponse struct {
	SessionToken string    `json:"sessionToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// PendingConfirmationResponse is returned when a login waits on device confirmation
type PendingConfirmationResponse struct {
	PendingConfirmationID string    `json:"pendingConfirmationId"`
	ExpiresAt             time.Time `json:"expiresAt"`
	Message               string    `json:"message"`
}

// LoginFailureResponse is the body of 401 and 423 login responses.
// Lock fields are only present on 423.
type LoginFailureResponse struct {
	Error             string     `json:"error"`
	Message           string     `json:"message"`
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
}

// MessageResponse carries a human readable outcome
type MessageResponse struct {
	Message string `json:"message"`
}

// Login handles credential submission
// @Summary Sign in
// @Accept json
// @Param request body LoginBody true "Login request"
// @Produce json
// @Success 200 {object} SessionResponse
// @Success 202 {object} PendingConfirmationResponse
// @Failure 401 {object} LoginFailureResponse
// @Failure 423 {object} LoginFailureResponse
// @Router /login [post]
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body LoginBody
	if !decodeJSON(w, r, &body, false) {
		return
	}

	ip, userAgent := pkghttp.ClientOrigin(r, h.ipConfig)
	result, err := h.flow.Login(r.Context(), services.LoginRequest{
		Email:    body.Email,
		Password: body.Password,
		Origin: models.RequestOrigin{
			IP:             ip,
			UserAgent:      userAgent,
			ClientDeviceID: pkghttp.ClientDeviceID(r, body.DeviceID),
		},
	})
	if err != nil {
		h.writeLoginError(w, r, err)
		return
	}

	if result.Pending != nil {
		pkghttp.WriteJSON(w, http.StatusAccepted, PendingConfirmationResponse{
			PendingConfirmationID: result.Pending.ID,
			ExpiresAt:             result.Pending.ExpiresAt,
			Message:               "This sign-in is from a new device. Confirm or deny this sign-in to continue.",
		})
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, SessionResponse{
		SessionToken: result.Session.Token,
		ExpiresAt:    result.Session.ExpiresAt,
	})
}

func (h *LoginHandler) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *models.LockedError
	switch {
	case errors.As(err, &locked):
		retryAfter := locked.RetryAfter(h.now())
		until := locked.LockedUntil.UTC()
		pkghttp.SetRetryAfter(w, retryAfter)
		pkghttp.WriteJSON(w, http.StatusLocked, LoginFailureResponse{
			Error:             "account_locked",
			Message:           "Too many failed sign-in attempts. Wait until the lock ends, then try again.",
			LockedUntil:       &until,
			RetryAfterSeconds: int((retryAfter + time.Second - 1) / time.Second),
		})
	case errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteJSON(w, http.StatusUnauthorized, LoginFailureResponse{
			Error:   "invalid_credentials",
			Message: "The email or password is incorrect. Check them and try again.",
		})
	default:
		h.logger.ErrorContext(r.Context(), "login failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Sign-in is unavailable right now. Try again shortly.")
	}
}

// ConfirmDevice accepts a pending device confirmation and completes the held login
// @Summary Confirm a new device
// @Param pendingId path string true "Pending confirmation id"
// @Param request body ConfirmDeviceBody false "Confirmation options"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} pkghttp.ErrorResponse
// @Failure 410 {object} pkghttp.ErrorResponse
// @Router /devices/{pendingId}/confirm [post]
func (h *LoginHandler) ConfirmDevice(w http.ResponseWriter, r *http.Request) {
	pendingID := chi.URLParam(r, "pendingId")
	var body ConfirmDeviceBody
	if !decodeJSON(w, r, &body, true) {
		return
	}

	session, err := h.flow.ConfirmDevice(r.Context(), pendingID, body.TrustDevice)
	if err != nil {
		h.writeResolutionError(w, r, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, SessionResponse{
		SessionToken: session.Token,
		ExpiresAt:    session.ExpiresAt,
	})
}

// DenyDevice rejects a pending device confirmation
// @Summary Deny a new device
// @Param pendingId path string true "Pending confirmation id"
// @Success 200 {object} MessageResponse
// @Failure 404 {object} pkghttp.ErrorResponse
// @Failure 410 {object} pkghttp.ErrorResponse
// @Router /devices/{pendingId}/deny [post]
func (h *LoginHandler) DenyDevice(w http.ResponseWriter, r *http.Request) {
	pendingID := chi.URLParam(r, "pendingId")

	if err := h.flow.DenyDevice(r.Context(), pendingID); err != nil {
		h.writeResolutionError(w, r, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{
		Message: "The sign-in was blocked. If you did not try to sign in, consider changing your password.",
	})
}

func (h *LoginHandler) writeResolutionError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *models.LockedError
	switch {
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "This confirmation link is not valid. Sign in again to get a new one.")
	case errors.Is(err, models.ErrExpired):
		pkghttp.WriteGone(w, "This confirmation request has expired. Sign in again to get a new one.")
	case errors.As(err, &locked):
		pkghttp.SetRetryAfter(w, locked.RetryAfter(h.now()))
		pkghttp.WriteError(w, http.StatusLocked, "account_locked",
			"The account is temporarily locked. Wait until the lock ends, then sign in again.")
	default:
		h.logger.ErrorContext(r.Context(), "device confirmation failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Device confirmation is unavailable right now. Try again shortly.")
	}
}
