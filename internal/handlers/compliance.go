package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/civicdesk/accountguard/internal/auth"
	"github.com/civicdesk/accountguard/internal/models"
	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

// ComplianceServiceInterface defines the data subject request operations
type ComplianceServiceInterface interface {
	ExportAccountData(ctx context.Context, accountID string) (*models.DataExportBundle, error)
	DeleteAccount(ctx context.Context, accountID string, preserveAnonymized bool) (*models.DeletionReport, error)
}

// ComplianceHandler serves data export and account deletion for the signed in account
type ComplianceHandler struct {
	service ComplianceServiceInterface
	logger  *slog.Logger
}

// NewComplianceHandler creates a new ComplianceHandler
func NewComplianceHandler(service ComplianceServiceInterface, logger *slog.Logger) *ComplianceHandler {
	return &ComplianceHandler{service: service, logger: logger}
}

// ExportMyData returns everything held about the caller
// @Summary Export my data
// @Produce json
// @Success 200 {object} models.DataExportBundle
// @Router /compliance/export/my-data [get]
func (h *ComplianceHandler) ExportMyData(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Sign in to continue.")
		return
	}

	bundle, err := h.service.ExportAccountData(r.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "No account data was found. Sign in again.")
			return
		}
		h.logger.ErrorContext(r.Context(), "data export failed",
			slog.String("account_id", claims.AccountID),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Your export could not be prepared. Try again shortly.")
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="account-data-%s.json"`, bundle.ExportedAt.UTC().Format("20060102")))
	pkghttp.WriteJSON(w, http.StatusOK, bundle)
}

// DeleteMyAccount erases the caller's personal data and ends every session
// @Summary Delete my account
// @Param preserveAnonymizedRecords query bool false "Anonymize instead of deleting records past retention"
// @Success 204
// @Router /compliance/delete/my-account [delete]
func (h *ComplianceHandler) DeleteMyAccount(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Sign in to continue.")
		return
	}

	preserve := false
	if raw := r.URL.Query().Get("preserveAnonymizedRecords"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			pkghttp.WriteValidationError(w, "Set preserveAnonymizedRecords to true or false.", "preserveAnonymizedRecords")
			return
		}
		preserve = v
	}

	report, err := h.service.DeleteAccount(r.Context(), claims.AccountID, preserve)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "No account was found. Sign in again.")
			return
		}
		h.logger.ErrorContext(r.Context(), "account deletion failed",
			slog.String("account_id", claims.AccountID),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Your account could not be deleted. Try again; completed steps are kept.")
		return
	}

	h.logger.InfoContext(r.Context(), "account deleted",
		slog.String("account_id", claims.AccountID),
		slog.Bool("already_deleted", report.AlreadyDeleted),
		slog.Bool("retained_by_policy", report.RetainedByPolicy))
	w.WriteHeader(http.StatusNoContent)
}
