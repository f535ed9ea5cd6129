// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vidgrep/vidgrep/internal/log"
	"github.com/vidgrep/vidgrep/internal/navigate"
)

// apiError is the uniform error envelope: every surfaced error carries a
// machine code, a human detail, and a timestamp.
type apiError struct {
	Code      string    `json:"error_code"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErrorCode writes an error envelope with an explicit status and code.
func writeErrorCode(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, apiError{
		Code:      code,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

// writeInternal hides the error behind a correlation ID: the detail goes to
// the log, the client gets the ID to quote.
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	reqID := log.RequestIDFromContext(r.Context())
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Error().
		Err(err).
		Str("event", "api.internal_error").
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("request failed")

	writeJSON(w, http.StatusInternalServerError, apiError{
		Code:      "INTERNAL_ERROR",
		Detail:    "internal error, see server logs",
		Timestamp: time.Now().UTC(),
		RequestID: reqID,
	})
}

// statusForNavigate maps service error codes onto HTTP statuses: not-found
// is 404, internal is 500, every validation code is 400.
func statusForNavigate(code navigate.Code) int {
	switch code {
	case navigate.CodeVideoNotFound:
		return http.StatusNotFound
	case navigate.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// writeNavigateError translates a navigate service error into the envelope,
// falling back to the internal path for unexpected errors.
func writeNavigateError(w http.ResponseWriter, r *http.Request, err error) {
	if nerr, ok := navigate.AsError(err); ok {
		writeJSON(w, statusForNavigate(nerr.Code), nerr)
		return
	}
	writeInternal(w, r, err)
}
