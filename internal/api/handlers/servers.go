package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"github.com/pysugar/toolchat-nexus/internal/logging"
	"github.com/pysugar/toolchat-nexus/internal/mcp"
	"github.com/pysugar/toolchat-nexus/internal/util"
)

// ServerRegistry stores the caller's tool server configurations.
type ServerRegistry interface {
	Create(ctx context.Context, userID string, in db.NewToolServer) (*models.ToolServer, error)
	Get(ctx context.Context, userID, serverID string) (*models.ToolServer, error)
	List(ctx context.Context, userID string) ([]models.ToolServer, error)
	SetEnabled(ctx context.Context, userID, serverID string, enabled bool) error
	Delete(ctx context.Context, userID, serverID string) error
}

// ToolGateway talks to the tool servers on behalf of a caller.
type ToolGateway interface {
	ListTools(ctx context.Context, caller mcp.Caller, serverID string) ([]mcp.Tool, error)
	AllToolsForUser(ctx context.Context, caller mcp.Caller) (*mcp.Catalog, error)
	CallTool(ctx context.Context, caller mcp.Caller, serverID, toolName string, args json.RawMessage) (string, error)
}

type createServerRequest struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	AuthType      string `json:"authType"`
	OAuthProvider string `json:"oauthProvider"`
	APIKey        string `json:"apiKey"`
}

// ListServersHandler returns the caller's tool servers.
func ListServersHandler(servers ServerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		list, err := servers.List(r.Context(), caller.UserID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if list == nil {
			list = []models.ToolServer{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// CreateServerHandler registers a tool server.
func CreateServerHandler(servers ServerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		var req createServerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		server, err := servers.Create(r.Context(), caller.UserID, db.NewToolServer{
			Name:          req.Name,
			URL:           req.URL,
			AuthType:      req.AuthType,
			OAuthProvider: req.OAuthProvider,
			APIKey:        req.APIKey,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
			return
		}
		log.Printf("[mcp] ➕ [%s] Registered tool server %s (%s)", logging.GetRequestID(r.Context()), server.Name, server.AuthType)
		writeJSON(w, http.StatusCreated, server)
	}
}

// GetServerHandler returns one tool server.
func GetServerHandler(servers ServerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		server, err := servers.Get(r.Context(), caller.UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, server)
	}
}

// ToggleServerHandler enables or disables a tool server.
func ToggleServerHandler(servers ServerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := servers.SetEnabled(r.Context(), caller.UserID, chi.URLParam(r, "id"), req.Enabled); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
	}
}

// DeleteServerHandler removes a tool server.
func DeleteServerHandler(servers ServerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		if err := servers.Delete(r.Context(), caller.UserID, chi.URLParam(r, "id")); err != nil {
			writeStoreError(w, err)
			return
		}
		success(w)
	}
}

// ServerToolsHandler lists the tools of one server.
func ServerToolsHandler(gateway ToolGateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		tools, err := gateway.ListTools(r.Context(), caller, chi.URLParam(r, "id"))
		if err != nil {
			writeGatewayError(w, r, err)
			return
		}
		if tools == nil {
			tools = []mcp.Tool{}
		}
		writeJSON(w, http.StatusOK, tools)
	}
}

// AllToolsHandler lists every tool the caller can reach, reporting servers
// that need authorization or failed discovery.
func AllToolsHandler(gateway ToolGateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		catalog, err := gateway.AllToolsForUser(r.Context(), caller)
		if err != nil {
			writeGatewayError(w, r, err)
			return
		}
		failures := make(map[string]string, len(catalog.Failures))
		for serverID := range catalog.Failures {
			failures[serverID] = "Tool discovery failed"
		}
		authRequired := make([]map[string]string, 0, len(catalog.AuthRequired))
		for _, a := range catalog.AuthRequired {
			authRequired = append(authRequired, map[string]string{"provider": a.Provider, "reason": a.Reason})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"servers":      catalog.Servers,
			"authRequired": authRequired,
			"failures":     failures,
		})
	}
}

// CallToolHandler invokes a tool directly with the request body as arguments.
func CallToolHandler(gateway ToolGateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_request_error")
			return
		}
		var args map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &args); err != nil {
				writeError(w, http.StatusBadRequest, "Arguments must be a JSON object", "invalid_request_error")
				return
			}
		}
		if args == nil {
			body = []byte("{}")
		}
		result, err := gateway.CallTool(r.Context(), caller, chi.URLParam(r, "id"), chi.URLParam(r, "toolName"), body)
		if err != nil {
			writeGatewayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": result})
	}
}

func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var transportErr *apperr.TransportError
	var protocolErr *apperr.ProtocolError
	switch {
	case errors.As(err, &transportErr), errors.As(err, &protocolErr):
		log.Printf("[mcp] ❌ [%s] Tool server request failed: %s", logging.GetRequestID(r.Context()), util.TruncateLog(err.Error(), 300))
		writeError(w, http.StatusBadGateway, "Tool server request failed", "upstream_error")
	default:
		writeStoreError(w, err)
	}
}
