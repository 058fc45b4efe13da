package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/services"
	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

// maxSearchLen bounds the free text search parameter
const maxSearchLen = 200

// SecurityMetricsProvider defines the read model behind the admin dashboard
type SecurityMetricsProvider interface {
	ResolveRange(name, since, until string) (models.TimeRange, error)
	Metrics(ctx context.Context, r models.TimeRange) (*models.SecurityMetrics, error)
	Events(ctx context.Context, r models.TimeRange, filter models.EventFilter, page, pageSize int) (*models.EventPage, error)
	ExportCSV(ctx context.Context, r models.TimeRange, filter models.EventFilter, w io.Writer) (int, error)
}

// SecurityHandler serves the admin security dashboard
type SecurityHandler struct {
	metrics SecurityMetricsProvider
	logger  *slog.Logger
}

// NewSecurityHandler creates a new SecurityHandler
func NewSecurityHandler(metrics SecurityMetricsProvider, logger *slog.Logger) *SecurityHandler {
	return &SecurityHandler{metrics: metrics, logger: logger}
}

// GetMetrics returns the dashboard counters
// @Summary Security metrics
// @Param range query string false "24h, 7d, 30d or 90d"
// @Param since query string false "RFC3339 start, with until"
// @Param until query string false "RFC3339 end, with since"
// @Success 200 {object} models.SecurityMetrics
// @Router /admin/security/metrics [get]
func (h *SecurityHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.resolveRange(w, r.URL.Query())
	if !ok {
		return
	}

	m, err := h.metrics.Metrics(r.Context(), rng)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "security metrics failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Metrics are unavailable right now. Try again shortly.")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, m)
}

// ListEvents returns one page of security events
// @Summary Security events
// @Param range query string false "24h, 7d, 30d or 90d"
// @Param type query string false "Event types, comma separated"
// @Param severity query string false "Severities, comma separated"
// @Param q query string false "Free text search"
// @Param page query int false "1-based page"
// @Param pageSize query int false "Page size, at most 500"
// @Success 200 {object} models.EventPage
// @Router /admin/security/events [get]
func (h *SecurityHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rng, ok := h.resolveRange(w, query)
	if !ok {
		return
	}
	filter, ok := parseEventFilter(w, query)
	if !ok {
		return
	}

	page, err := intParam(query, "page", 1)
	if err != nil || page < 1 || page > services.MaxEventPage {
		pkghttp.WriteValidationError(w, "Use a positive page number.", "page")
		return
	}
	pageSize, err := intParam(query, "pageSize", 0)
	if err != nil || pageSize < 0 {
		pkghttp.WriteValidationError(w, "Use a positive page size.", "pageSize")
		return
	}

	result, err := h.metrics.Events(r.Context(), rng, filter, page, pageSize)
	if errors.Is(err, models.ErrValidation) {
		pkghttp.WriteValidationError(w, "Use a smaller page number.", "page")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "security event listing failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Events are unavailable right now. Try again shortly.")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// ExportEvents streams matching events as CSV
// @Summary Export security events
// @Param range query string false "24h, 7d, 30d or 90d"
// @Produce text/csv
// @Router /admin/security/export [get]
func (h *SecurityHandler) ExportEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rng, ok := h.resolveRange(w, query)
	if !ok {
		return
	}
	filter, ok := parseEventFilter(w, query)
	if !ok {
		return
	}

	filename := fmt.Sprintf("security-events-%s-%s.csv", rng.Label, rng.Until.UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)

	rows, err := h.metrics.ExportCSV(r.Context(), rng, filter, w)
	if err != nil {
		// headers are already sent; the client sees a truncated file
		h.logger.ErrorContext(r.Context(), "security event export failed",
			slog.Int("rows_written", rows),
			slog.Any("error", err))
		return
	}
	h.logger.InfoContext(r.Context(), "security events exported",
		slog.String("range", rng.Label),
		slog.Int("rows", rows))
}

func (h *SecurityHandler) resolveRange(w http.ResponseWriter, query url.Values) (models.TimeRange, bool) {
	rng, err := h.metrics.ResolveRange(query.Get("range"), query.Get("since"), query.Get("until"))
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			pkghttp.WriteValidationError(w, "Choose a range of 24h, 7d, 30d or 90d, or give since and until as RFC3339 times.", err.Error())
			return models.TimeRange{}, false
		}
		pkghttp.WriteInternalError(w, "Unable to resolve the time range. Try again shortly.")
		return models.TimeRange{}, false
	}
	return rng, true
}

// parseEventFilter reads type, severity and q. Repeated and comma separated values both work.
func parseEventFilter(w http.ResponseWriter, query url.Values) (models.EventFilter, bool) {
	var filter models.EventFilter

	for _, raw := range listParam(query, "type") {
		t, err := models.ParseEventType(raw)
		if err != nil {
			pkghttp.WriteValidationError(w, "Use a known event type.", err.Error())
			return filter, false
		}
		filter.Types = append(filter.Types, t)
	}
	for _, raw := range listParam(query, "severity") {
		s, err := models.ParseSeverity(raw)
		if err != nil {
			pkghttp.WriteValidationError(w, "Use LOW, MEDIUM, HIGH or CRITICAL.", err.Error())
			return filter, false
		}
		filter.Severities = append(filter.Severities, s)
	}

	filter.Search = strings.TrimSpace(query.Get("q"))
	if len(filter.Search) > maxSearchLen {
		pkghttp.WriteValidationError(w, "Shorten the search text and try again.", "q")
		return filter, false
	}
	return filter, true
}

func listParam(query url.Values, key string) []string {
	var out []string
	for _, v := range query[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(query url.Values, key string, def int) (int, error) {
	raw := query.Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
