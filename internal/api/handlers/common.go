// Package handlers implements the REST and SSE surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pysugar/toolchat-nexus/internal/api/middleware"
	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/mcp"
)

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message, "type": errType},
	})
}

// writeStoreError maps a store or gateway error to a response.
func writeStoreError(w http.ResponseWriter, err error) {
	var authErr *apperr.AuthRequiredError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", "not_found_error")
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{
				"message":  authErr.Reason,
				"type":     "auth_required",
				"provider": authErr.Provider,
			},
		})
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", "server_error")
	}
}

// callerOrReject returns the authenticated caller or writes a 401.
func callerOrReject(w http.ResponseWriter, r *http.Request) (mcp.Caller, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", "authentication_error")
	}
	return caller, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_request_error")
		return false
	}
	return true
}

func success(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
