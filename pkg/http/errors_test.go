package http_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkghttp "github.com/civicdesk/accountguard/pkg/http"
)

func TestWriteErrorHelpers(t *testing.T) {
	tests := []struct {
		name         string
		write        func(w http.ResponseWriter)
		expectedCode int
		expectedErr  string
	}{
		{"bad request", func(w http.ResponseWriter) { pkghttp.WriteBadRequest(w, "msg") }, 400, "bad_request"},
		{"unauthorized", func(w http.ResponseWriter) { pkghttp.WriteUnauthorized(w, "msg") }, 401, "unauthorized"},
		{"forbidden", func(w http.ResponseWriter) { pkghttp.WriteForbidden(w, "msg") }, 403, "forbidden"},
		{"not found", func(w http.ResponseWriter) { pkghttp.WriteNotFound(w, "msg") }, 404, "not_found"},
		{"conflict", func(w http.ResponseWriter) { pkghttp.WriteConflict(w, "msg") }, 409, "conflict"},
		{"gone", func(w http.ResponseWriter) { pkghttp.WriteGone(w, "msg") }, 410, "expired"},
		{"too many requests", func(w http.ResponseWriter) { pkghttp.WriteTooManyRequests(w, "msg") }, 429, "rate_limit_exceeded"},
		{"internal", func(w http.ResponseWriter) { pkghttp.WriteInternalError(w, "msg") }, 500, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			assert.Equal(t, tt.expectedCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp pkghttp.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedErr, resp.Error)
			assert.Equal(t, "msg", resp.Message)
			assert.Empty(t, resp.Details)
		})
	}
}

func TestWriteValidationError_IncludesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.WriteValidationError(w, "Check the highlighted fields.", "email: must be a valid email address")

	assert.Equal(t, 400, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation_failed", resp["error"])
	assert.Equal(t, "email: must be a valid email address", resp["details"])
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{"pendingConfirmationId": "p-1"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"pendingConfirmationId":"p-1"}`, w.Body.String())
}

func TestSetRetryAfter_RoundsUp(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.SetRetryAfter(w, 1500*time.Millisecond)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	pkghttp.SetRetryAfter(w, -time.Second)
	assert.Equal(t, "0", w.Header().Get("Retry-After"))
}
