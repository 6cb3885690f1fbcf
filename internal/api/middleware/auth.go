package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/pysugar/toolchat-nexus/internal/logging"
	"github.com/pysugar/toolchat-nexus/internal/mcp"
	"github.com/pysugar/toolchat-nexus/internal/util"
)

type contextKey string

const callerKey contextKey = "caller"

// SessionVerifier resolves a bearer session token to a user id.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// UserAuth authenticates the caller by bearer session token and stores the
// resolved mcp.Caller in the request context. The raw token travels with the
// caller so it can be delegated to bearer_delegated tool servers.
func UserAuth(sessions SessionVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "Missing session token")
				return
			}
			userID, err := sessions.Verify(r.Context(), token)
			if err != nil {
				log.Printf("[auth] 🚫 [%s] Rejected session token %s: %v", logging.GetRequestID(r.Context()), util.MaskSecret(token), err)
				unauthorized(w, "Invalid session token")
				return
			}
			ctx := WithCaller(r.Context(), mcp.Caller{UserID: userID, BearerToken: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller mcp.Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (mcp.Caller, bool) {
	caller, ok := ctx.Value(callerKey).(mcp.Caller)
	return caller, ok && caller.UserID != ""
}

func bearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	// Browser navigations (the OAuth consent redirect) cannot set headers.
	return r.URL.Query().Get("access_token")
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": {"message": "` + message + `", "type": "authentication_error"}}`))
}
