package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/toolchat-nexus/internal/auth/provider"
	"github.com/pysugar/toolchat-nexus/internal/auth/token"
	"golang.org/x/oauth2"
)

type persisted struct {
	userID         string
	provider       provider.ID
	metadata       map[string]string
	providerUserID string
}

type fakeOAuth struct {
	registry    *provider.Registry
	exchangeErr error
	sites       []provider.Site
	exchanged   []string
	persisted   []persisted
	conns       []token.ConnectionSummary
}

func newFakeOAuth() *fakeOAuth {
	return &fakeOAuth{registry: provider.NewRegistry(provider.Builtin(), map[provider.ID]provider.Credentials{
		provider.Atlassian:              {ClientID: "atl-client"},
		provider.MicrosoftPartnerCenter: {ClientID: "ms-client"},
	})}
}

func (f *fakeOAuth) Providers() *provider.Registry { return f.registry }

func (f *fakeOAuth) AuthorizationURL(p provider.ID, state, redirectURI string) (string, error) {
	prov, err := f.registry.Lookup(p)
	if err != nil {
		return "", err
	}
	return prov.AuthCodeURL(state, redirectURI), nil
}

func (f *fakeOAuth) ExchangeCode(_ context.Context, _ provider.ID, code, _ string) (*oauth2.Token, error) {
	f.exchanged = append(f.exchanged, code)
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth2.Token{AccessToken: "at-" + code, RefreshToken: "rt-" + code}, nil
}

func (f *fakeOAuth) FetchSites(context.Context, provider.ID, string) ([]provider.Site, error) {
	return f.sites, nil
}

func (f *fakeOAuth) PersistConnection(_ context.Context, userID string, p provider.ID, _ *oauth2.Token, metadata map[string]string, providerUserID string) (string, error) {
	f.persisted = append(f.persisted, persisted{userID, p, metadata, providerUserID})
	return "conn-" + providerUserID, nil
}

func (f *fakeOAuth) ConnectionsForUser(context.Context, string) ([]token.ConnectionSummary, error) {
	return f.conns, nil
}

func (f *fakeOAuth) Disconnect(context.Context, string, string) error       { return nil }
func (f *fakeOAuth) DeleteConnection(context.Context, string, string) error { return nil }

type fakeStates struct {
	issued map[string]string
}

func (s *fakeStates) Issue(_ context.Context, userID string, p provider.ID) (string, error) {
	state := "state-" + userID + "-" + string(p)
	if s.issued == nil {
		s.issued = map[string]string{}
	}
	s.issued[state] = userID
	return state, nil
}

func (s *fakeStates) Verify(_ context.Context, state string, _ provider.ID) (string, error) {
	uid, ok := s.issued[state]
	if !ok {
		return "", errors.New("unknown state")
	}
	delete(s.issued, state)
	return uid, nil
}

func oauthDeps(svc *fakeOAuth, states *fakeStates) OAuthDeps {
	return OAuthDeps{
		Service:     svc,
		States:      states,
		FrontendURL: "http://frontend.test",
		RedirectURL: func(p provider.ID) string { return "http://backend.test/oauth/" + string(p) + "/callback" },
	}
}

func callbackRouter(deps OAuthDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/oauth/{provider}/callback", CallbackHandler(deps))
	return r
}

func settingsRedirect(t *testing.T, w *httptest.ResponseRecorder) url.Values {
	t.Helper()
	if w.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d: %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad location: %v", err)
	}
	if loc.Host != "frontend.test" || loc.Path != "/settings" {
		t.Fatalf("unexpected redirect target %s", loc)
	}
	return loc.Query()
}

func TestAuthorizeHandler_SetsStateCookieAndRedirects(t *testing.T) {
	svc, states := newFakeOAuth(), &fakeStates{}
	router := userRouter("user-1", func(r chi.Router) {
		r.Get("/api/oauth/{provider}/authorize", AuthorizeHandler(oauthDeps(svc, states)))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/oauth/atlassian/authorize", nil))

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Host != "auth.atlassian.com" {
		t.Fatalf("unexpected consent host %s", loc.Host)
	}
	state := loc.Query().Get("state")
	if state != "state-user-1-atlassian" {
		t.Fatalf("unexpected state %q", state)
	}
	if got := loc.Query().Get("redirect_uri"); got != "http://backend.test/oauth/atlassian/callback" {
		t.Fatalf("unexpected redirect_uri %q", got)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != stateCookie || cookies[0].Value != state || !cookies[0].HttpOnly {
		t.Fatalf("expected httpOnly state cookie, got %+v", cookies)
	}
}

func TestAuthorizeHandler_JSONAndInvalidProvider(t *testing.T) {
	svc, states := newFakeOAuth(), &fakeStates{}
	router := userRouter("user-1", func(r chi.Router) {
		r.Get("/api/oauth/{provider}/authorize", AuthorizeHandler(oauthDeps(svc, states)))
	})

	req := httptest.NewRequest("GET", "/api/oauth/microsoft_partner_center/authorize", nil)
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if !strings.HasPrefix(body["url"], "https://login.microsoftonline.com/") {
		t.Fatalf("unexpected url %q", body["url"])
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/oauth/github/authorize", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider, got %d", w.Code)
	}
}

func TestCallbackHandler_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		cookie    string
		wantError string
	}{
		{"provider error", "?error=access_denied", "", "access_denied"},
		{"missing code", "?state=state-user-1-atlassian", "state-user-1-atlassian", "missing_params"},
		{"missing cookie", "?code=c1&state=state-user-1-atlassian", "", "invalid_state"},
		{"cookie mismatch", "?code=c1&state=state-user-1-atlassian", "state-someone-else", "invalid_state"},
		{"unsigned state", "?code=c1&state=forged", "forged", "invalid_state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, states := newFakeOAuth(), &fakeStates{}
			states.Issue(context.Background(), "user-1", provider.Atlassian)

			req := httptest.NewRequest("GET", "/oauth/atlassian/callback"+tt.query, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: stateCookie, Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			callbackRouter(oauthDeps(svc, states)).ServeHTTP(w, req)

			q := settingsRedirect(t, w)
			if q.Get("oauth_error") != tt.wantError {
				t.Fatalf("oauth_error = %q, want %q", q.Get("oauth_error"), tt.wantError)
			}
			if len(svc.exchanged) != 0 || len(svc.persisted) != 0 {
				t.Fatalf("rejected callback must not exchange or persist")
			}
		})
	}
}

func TestCallbackHandler_AtlassianPersistsOneConnectionPerSite(t *testing.T) {
	svc, states := newFakeOAuth(), &fakeStates{}
	svc.sites = []provider.Site{
		{ID: "cloud-a", Name: "Alpha", URL: "https://alpha.atlassian.net"},
		{ID: "cloud-b", Name: "Beta", URL: "https://beta.atlassian.net"},
	}
	state, _ := states.Issue(context.Background(), "user-1", provider.Atlassian)

	req := httptest.NewRequest("GET", "/oauth/atlassian/callback?code=c1&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: state})
	w := httptest.NewRecorder()
	callbackRouter(oauthDeps(svc, states)).ServeHTTP(w, req)

	q := settingsRedirect(t, w)
	if q.Get("oauth_success") != "atlassian" {
		t.Fatalf("expected success redirect, got %v", q)
	}
	if len(svc.persisted) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(svc.persisted))
	}
	for i, p := range svc.persisted {
		site := svc.sites[i]
		if p.userID != "user-1" || p.providerUserID != site.ID || p.metadata["cloudId"] != site.ID || p.metadata["siteName"] != site.Name {
			t.Fatalf("connection %d persisted wrong data: %+v", i, p)
		}
	}

	// The state is single-use.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/oauth/atlassian/callback?code=c1&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: state})
	callbackRouter(oauthDeps(svc, states)).ServeHTTP(w, req)
	if settingsRedirect(t, w).Get("oauth_error") != "invalid_state" {
		t.Fatal("expected replayed state to be rejected")
	}
}

func TestCallbackHandler_AtlassianWithoutSites(t *testing.T) {
	svc, states := newFakeOAuth(), &fakeStates{}
	state, _ := states.Issue(context.Background(), "user-1", provider.Atlassian)

	req := httptest.NewRequest("GET", "/oauth/atlassian/callback?code=c1&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: state})
	w := httptest.NewRecorder()
	callbackRouter(oauthDeps(svc, states)).ServeHTTP(w, req)

	q := settingsRedirect(t, w)
	if q.Get("oauth_error") != "no_sites" || q.Get("oauth_success") != "" {
		t.Fatalf("expected no_sites error, got %v", q)
	}
	if len(svc.persisted) != 0 {
		t.Fatalf("nothing should be persisted, got %+v", svc.persisted)
	}
}

func TestCallbackHandler_SingleTenantAndExchangeFailure(t *testing.T) {
	svc, states := newFakeOAuth(), &fakeStates{}
	state, _ := states.Issue(context.Background(), "user-1", provider.MicrosoftPartnerCenter)

	req := httptest.NewRequest("GET", "/oauth/microsoft_partner_center/callback?code=c2&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: state})
	w := httptest.NewRecorder()
	callbackRouter(oauthDeps(svc, states)).ServeHTTP(w, req)
	if settingsRedirect(t, w).Get("oauth_success") != "microsoft_partner_center" {
		t.Fatal("expected success")
	}
	if len(svc.persisted) != 1 || svc.persisted[0].providerUserID != "" {
		t.Fatalf("expected one connection without provider user id, got %+v", svc.persisted)
	}

	failing, failStates := newFakeOAuth(), &fakeStates{}
	failing.exchangeErr = token.ErrExchangeFailed
	state, _ = failStates.Issue(context.Background(), "user-1", provider.MicrosoftPartnerCenter)
	req = httptest.NewRequest("GET", "/oauth/microsoft_partner_center/callback?code=bad&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: state})
	w = httptest.NewRecorder()
	callbackRouter(oauthDeps(failing, failStates)).ServeHTTP(w, req)
	if settingsRedirect(t, w).Get("oauth_error") != "exchange_failed" {
		t.Fatal("expected exchange_failed")
	}
	if len(failing.persisted) != 0 {
		t.Fatal("failed exchange must not persist")
	}
}

func TestStatusHandler(t *testing.T) {
	svc, states := newFakeOAuth(), &fakeStates{}
	router := userRouter("user-1", func(r chi.Router) {
		r.Get("/api/oauth/{provider}/status", StatusHandler(oauthDeps(svc, states)))
	})

	get := func() map[string]any {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/oauth/atlassian/status", nil))
		var body map[string]any
		json.NewDecoder(w.Body).Decode(&body)
		return body
	}

	if body := get(); body["connected"] != false || body["needsReauth"] != false {
		t.Fatalf("expected disconnected status, got %v", body)
	}

	svc.conns = []token.ConnectionSummary{
		{ID: "c1", Provider: "atlassian", IsEnabled: true},
		{ID: "c2", Provider: "atlassian", NeedsReauth: true},
		{ID: "c3", Provider: "microsoft_partner_center"},
	}
	body := get()
	if body["connected"] != true || body["needsReauth"] != true {
		t.Fatalf("unexpected status %v", body)
	}
	if conns := body["connections"].([]any); len(conns) != 2 {
		t.Fatalf("expected only atlassian connections, got %d", len(conns))
	}
}
