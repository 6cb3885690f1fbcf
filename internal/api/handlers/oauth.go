package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/toolchat-nexus/internal/auth/provider"
	"github.com/pysugar/toolchat-nexus/internal/auth/token"
	"github.com/pysugar/toolchat-nexus/internal/logging"
	"golang.org/x/oauth2"
)

const stateCookie = "oauth_state"

// OAuthService is the token manager surface used by the OAuth routes.
type OAuthService interface {
	Providers() *provider.Registry
	AuthorizationURL(p provider.ID, state, redirectURI string) (string, error)
	ExchangeCode(ctx context.Context, p provider.ID, code, redirectURI string) (*oauth2.Token, error)
	FetchSites(ctx context.Context, p provider.ID, accessToken string) ([]provider.Site, error)
	PersistConnection(ctx context.Context, userID string, p provider.ID, tok *oauth2.Token, metadata map[string]string, providerUserID string) (string, error)
	ConnectionsForUser(ctx context.Context, userID string) ([]token.ConnectionSummary, error)
	Disconnect(ctx context.Context, userID, connectionID string) error
	DeleteConnection(ctx context.Context, userID, connectionID string) error
}

// StateService issues and consumes signed OAuth state values.
type StateService interface {
	Issue(ctx context.Context, userID string, p provider.ID) (string, error)
	Verify(ctx context.Context, state string, p provider.ID) (string, error)
}

// OAuthDeps wires the OAuth routes.
type OAuthDeps struct {
	Service     OAuthService
	States      StateService
	FrontendURL string
	// RedirectURL returns the registered callback URL for a provider.
	RedirectURL   func(provider.ID) string
	SecureCookies bool
}

// ListConnectionsHandler returns the caller's connections.
func ListConnectionsHandler(deps OAuthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		conns, err := deps.Service.ConnectionsForUser(r.Context(), caller.UserID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conns)
	}
}

// DeleteConnectionHandler hard-deletes one of the caller's connections.
func DeleteConnectionHandler(deps OAuthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		if err := deps.Service.DeleteConnection(r.Context(), caller.UserID, chi.URLParam(r, "id")); err != nil {
			writeStoreError(w, err)
			return
		}
		success(w)
	}
}

// DisconnectHandler disables a connection but keeps it for audit.
func DisconnectHandler(deps OAuthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		if err := deps.Service.Disconnect(r.Context(), caller.UserID, chi.URLParam(r, "id")); err != nil {
			writeStoreError(w, err)
			return
		}
		success(w)
	}
}

// AuthorizeHandler starts the consent flow. Browsers are redirected; callers
// asking for JSON receive the URL instead.
func AuthorizeHandler(deps OAuthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		p, err := deps.Service.Providers().Parse(chi.URLParam(r, "provider"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid provider", "invalid_request_error")
			return
		}
		state, err := deps.States.Issue(r.Context(), caller.UserID, p)
		if err != nil {
			log.Printf("[oauth] ❌ [%s] Failed to issue state: %v", logging.GetRequestID(r.Context()), err)
			writeError(w, http.StatusInternalServerError, "Failed to start authorization", "server_error")
			return
		}
		authURL, err := deps.Service.AuthorizationURL(p, state, deps.RedirectURL(p))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid provider", "invalid_request_error")
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    state,
			Path:     "/",
			MaxAge:   600,
			HttpOnly: true,
			Secure:   deps.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})

		if strings.Contains(r.Header.Get("Accept"), "application/json") {
			writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler completes the consent flow. It is public: the user is
// identified by the signed state, which must also match the state cookie.
func CallbackHandler(deps OAuthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		reqID := logging.GetRequestID(ctx)
		q := r.URL.Query()

		p, err := deps.Service.Providers().Parse(chi.URLParam(r, "provider"))
		if err != nil {
			redirectSettings(w, r, deps, "oauth_error", "invalid_provider")
			return
		}
		if oauthErr := q.Get("error"); oauthErr != "" {
			redirectSettings(w, r, deps, "oauth_error", oauthErr)
			return
		}
		code, state := q.Get("code"), q.Get("state")
		if code == "" || state == "" {
			redirectSettings(w, r, deps, "oauth_error", "missing_params")
			return
		}
		cookie, err := r.Cookie(stateCookie)
		if err != nil || cookie.Value != state {
			log.Printf("[oauth] 🚫 [%s] State cookie mismatch for %s", reqID, p)
			redirectSettings(w, r, deps, "oauth_error", "invalid_state")
			return
		}
		userID, err := deps.States.Verify(ctx, state, p)
		if err != nil {
			log.Printf("[oauth] 🚫 [%s] Invalid state for %s: %v", reqID, p, err)
			redirectSettings(w, r, deps, "oauth_error", "invalid_state")
			return
		}

		if err := completeAuthorization(ctx, deps, userID, p, code); err != nil {
			log.Printf("[oauth] ❌ [%s] Callback failed for %s: %v", reqID, p, err)
			reason := "exchange_failed"
			if errors.Is(err, errNoSites) {
				reason = "no_sites"
			}
			redirectSettings(w, r, deps, "oauth_error", reason)
			return
		}

		http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})
		log.Printf("[oauth] ✅ [%s] Connected %s for user %s", reqID, p, userID)
		redirectSettings(w, r, deps, "oauth_success", string(p))
	}
}

var errNoSites = errors.New("grant reaches no sites")

// completeAuthorization exchanges the code and persists the connection, one
// per reachable site for providers that expose a resources endpoint.
func completeAuthorization(ctx context.Context, deps OAuthDeps, userID string, p provider.ID, code string) error {
	tok, err := deps.Service.ExchangeCode(ctx, p, code, deps.RedirectURL(p))
	if err != nil {
		return err
	}
	prov, err := deps.Service.Providers().Lookup(p)
	if err != nil {
		return err
	}
	if prov.ResourcesURL == "" {
		_, err := deps.Service.PersistConnection(ctx, userID, p, tok, nil, "")
		return err
	}

	sites, err := deps.Service.FetchSites(ctx, p, tok.AccessToken)
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		return errNoSites
	}
	for _, site := range sites {
		if _, err := deps.Service.PersistConnection(ctx, userID, p, tok, site.Metadata(), site.ID); err != nil {
			return err
		}
	}
	return nil
}

// StatusHandler reports whether the caller has a usable connection.
func StatusHandler(deps OAuthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		p, err := deps.Service.Providers().Parse(chi.URLParam(r, "provider"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid provider", "invalid_request_error")
			return
		}
		conns, err := deps.Service.ConnectionsForUser(r.Context(), caller.UserID)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		var matching []token.ConnectionSummary
		needsReauth := false
		for _, c := range conns {
			if c.Provider != string(p) {
				continue
			}
			matching = append(matching, c)
			needsReauth = needsReauth || c.NeedsReauth
		}
		if len(matching) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{"connected": false, "needsReauth": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"connected":   true,
			"needsReauth": needsReauth,
			"connections": matching,
		})
	}
}

func redirectSettings(w http.ResponseWriter, r *http.Request, deps OAuthDeps, key, value string) {
	target := strings.TrimRight(deps.FrontendURL, "/") + "/settings?" + url.Values{key: {value}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}
