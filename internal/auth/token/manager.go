package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/auth/provider"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"github.com/pysugar/toolchat-nexus/internal/logging"
	"github.com/pysugar/toolchat-nexus/internal/secret"
	"golang.org/x/oauth2"
)

const (
	// RefreshBuffer is the margin before expiry within which a token is
	// refreshed instead of returned, so it cannot expire mid-request.
	RefreshBuffer = 5 * time.Minute

	// DefaultTokenLifetime applies when a provider omits expires_in.
	DefaultTokenLifetime = time.Hour

	// DefaultRefreshInterval is the background refresh cadence.
	DefaultRefreshInterval = 5 * time.Minute

	proactiveRefreshWindow = 20 * time.Minute
	defaultCallTimeout     = 30 * time.Second
)

var (
	// ErrReauthRequired means there is no usable connection; the user must
	// run the authorization flow again.
	ErrReauthRequired = errors.New("oauth connection requires re-authorization")

	// ErrExchangeFailed means the provider rejected an authorization code.
	ErrExchangeFailed = errors.New("oauth code exchange failed")
)

// Store is the credential persistence the manager depends on.
type Store interface {
	FindEnabled(ctx context.Context, userID, provider string) (*models.OAuthConnection, error)
	Get(ctx context.Context, id string) (*models.OAuthConnection, error)
	Upsert(ctx context.Context, conn models.OAuthConnection) (string, error)
	UpdateTokens(ctx context.Context, id, accessEncrypted, refreshEncrypted string, expiresAt time.Time) error
	Disable(ctx context.Context, id string) error
	ListForUser(ctx context.Context, userID string) ([]models.OAuthConnection, error)
	ListExpiring(ctx context.Context, before time.Time) ([]models.OAuthConnection, error)
	Delete(ctx context.Context, userID, id string) error
}

// AccessToken is a decrypted, currently valid provider token.
type AccessToken struct {
	Token        string
	ConnectionID string
	ExpiresAt    time.Time
	Metadata     map[string]string
}

// ConnectionSummary is the user-facing view of a stored connection.
type ConnectionSummary struct {
	ID             string            `json:"id"`
	Provider       string            `json:"provider"`
	ProviderUserID string            `json:"provider_user_id,omitempty"`
	IsEnabled      bool              `json:"is_enabled"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Scopes         []string          `json:"scopes,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	NeedsReauth    bool              `json:"needs_reauth"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Manager handles the OAuth token lifecycle: consent URLs, code exchange,
// refresh and disabling connections that can no longer be refreshed.
type Manager struct {
	store       Store
	cipher      secret.Cipher
	providers   *provider.Registry
	httpClient  *http.Client
	callTimeout time.Duration
	now         func() time.Time
	locks       *connectionLocks
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithCallTimeout bounds every token endpoint call.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager.
func NewManager(store Store, cipher secret.Cipher, providers *provider.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		cipher:      cipher,
		providers:   providers,
		httpClient:  &http.Client{Timeout: defaultCallTimeout},
		callTimeout: defaultCallTimeout,
		now:         time.Now,
		locks:       newConnectionLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Providers exposes the provider registry.
func (m *Manager) Providers() *provider.Registry {
	return m.providers
}

// AuthorizationURL returns the provider consent URL for state and redirectURI.
func (m *Manager) AuthorizationURL(p provider.ID, state, redirectURI string) (string, error) {
	prov, err := m.providers.Lookup(p)
	if err != nil {
		return "", err
	}
	return prov.AuthCodeURL(state, redirectURI), nil
}

// ExchangeCode trades an authorization code for a token set. It is never
// retried; a failure requires a fresh authorization attempt.
func (m *Manager) ExchangeCode(ctx context.Context, p provider.ID, code, redirectURI string) (*oauth2.Token, error) {
	prov, err := m.providers.Lookup(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.oauthContext(ctx)
	defer cancel()

	tok, err := prov.OAuthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	return tok, nil
}

// FetchSites lists the provider resources reachable with accessToken.
func (m *Manager) FetchSites(ctx context.Context, p provider.ID, accessToken string) ([]provider.Site, error) {
	prov, err := m.providers.Lookup(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return prov.FetchSites(ctx, m.httpClient, accessToken)
}

// PersistConnection encrypts tok and upserts it keyed by (userID, p,
// providerUserID). The connection is enabled afterwards.
func (m *Manager) PersistConnection(ctx context.Context, userID string, p provider.ID, tok *oauth2.Token, metadata map[string]string, providerUserID string) (string, error) {
	if tok == nil || tok.AccessToken == "" {
		return "", fmt.Errorf("token set has no access token")
	}
	prov, err := m.providers.Lookup(p)
	if err != nil {
		return "", err
	}

	accessEnc, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	var refreshEnc string
	if tok.RefreshToken != "" {
		if refreshEnc, err = m.cipher.Encrypt(tok.RefreshToken); err != nil {
			return "", fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	scopes, _ := json.Marshal(prov.Scopes)
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, _ := json.Marshal(metadata)

	id, err := m.store.Upsert(ctx, models.OAuthConnection{
		UserID:                userID,
		Provider:              string(p),
		ProviderUserID:        providerUserID,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		ExpiresAt:             m.expiryOf(tok),
		Scopes:                string(scopes),
		Metadata:              string(meta),
	})
	if err != nil {
		return "", fmt.Errorf("persist connection: %w", err)
	}
	log.Printf("[oauth] ✅ Saved %s connection %s for user %s", p, id, userID)
	return id, nil
}

// ValidAccessToken returns a token that stays valid for at least
// RefreshBuffer, refreshing it first when needed. ErrReauthRequired means the
// connection is missing or has just been disabled.
func (m *Manager) ValidAccessToken(ctx context.Context, userID string, p provider.ID) (*AccessToken, error) {
	conn, err := m.store.FindEnabled(ctx, userID, string(p))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, ErrReauthRequired
	}
	if err != nil {
		return nil, err
	}
	if m.isFresh(conn) {
		return m.decryptAccess(conn)
	}
	return m.refresh(ctx, conn.ID, false)
}

// ConnectionsForUser lists connections annotated with NeedsReauth.
func (m *Manager) ConnectionsForUser(ctx context.Context, userID string) ([]ConnectionSummary, error) {
	conns, err := m.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]ConnectionSummary, 0, len(conns))
	for _, c := range conns {
		summary := ConnectionSummary{
			ID:             c.ID,
			Provider:       c.Provider,
			ProviderUserID: c.ProviderUserID,
			IsEnabled:      c.IsEnabled,
			ExpiresAt:      c.ExpiresAt,
			Metadata:       decodeMetadata(c.Metadata),
			NeedsReauth:    !c.IsEnabled || !c.ExpiresAt.After(now),
			CreatedAt:      c.CreatedAt,
			UpdatedAt:      c.UpdatedAt,
		}
		if c.Scopes != "" {
			_ = json.Unmarshal([]byte(c.Scopes), &summary.Scopes)
		}
		out = append(out, summary)
	}
	return out, nil
}

// Disconnect disables a connection owned by userID without deleting it.
func (m *Manager) Disconnect(ctx context.Context, userID, connectionID string) error {
	conn, err := m.store.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.UserID != userID {
		return apperr.ErrNotFound
	}
	return m.store.Disable(ctx, connectionID)
}

// DeleteConnection hard-deletes a connection owned by userID.
func (m *Manager) DeleteConnection(ctx context.Context, userID, connectionID string) error {
	return m.store.Delete(ctx, userID, connectionID)
}

// RefreshExpiring refreshes every enabled connection expiring soon and
// returns how many were refreshed.
func (m *Manager) RefreshExpiring(ctx context.Context) int {
	conns, err := m.store.ListExpiring(ctx, m.now().Add(proactiveRefreshWindow))
	if err != nil {
		log.Printf("[oauth] ⚠️ Failed to list expiring connections: %v", err)
		return 0
	}
	refreshed := 0
	for _, c := range conns {
		if _, err := m.refresh(ctx, c.ID, true); err == nil {
			refreshed++
		}
	}
	return refreshed
}

// StartRefreshLoop refreshes expiring connections every interval until ctx ends.
// A non-positive interval falls back to DefaultRefreshInterval.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, reqID := logging.EnsureRequestID(ctx)
				if n := m.RefreshExpiring(tickCtx); n > 0 {
					log.Printf("[oauth] 🔄 [%s] Proactively refreshed %d connections", reqID, n)
				}
			}
		}
	}()
	log.Printf("[oauth] 🔄 Token refresh loop started (interval: %s)", interval)
}

// refresh runs refresh-then-persist under the connection lock. The row is
// re-read inside the lock so a concurrent caller reuses a fresh token.
func (m *Manager) refresh(ctx context.Context, connectionID string, force bool) (*AccessToken, error) {
	unlock := m.locks.Lock(connectionID)
	defer unlock()

	conn, err := m.store.Get(ctx, connectionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, ErrReauthRequired
	}
	if err != nil {
		return nil, err
	}
	if !conn.IsEnabled {
		return nil, ErrReauthRequired
	}
	if !force && m.isFresh(conn) {
		return m.decryptAccess(conn)
	}

	if conn.RefreshTokenEncrypted == "" {
		log.Printf("[oauth] 🔒 %s connection %s expired without refresh token, marking for re-auth", conn.Provider, conn.ID)
		return nil, m.disable(ctx, conn)
	}
	refreshToken, err := m.cipher.Decrypt(conn.RefreshTokenEncrypted)
	if err != nil {
		log.Printf("[oauth] ❌ Unreadable refresh token for connection %s: %v", conn.ID, err)
		return nil, m.disable(ctx, conn)
	}
	prov, err := m.providers.Lookup(provider.ID(conn.Provider))
	if err != nil {
		return nil, err
	}

	newTok, err := m.exchangeRefresh(ctx, prov, refreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := "transient"
		if isPermanentRefreshError(err) {
			kind = "permanent"
		}
		log.Printf("[oauth] ❌ Refresh failed (%s) for %s connection %s: %v", kind, conn.Provider, conn.ID, err)
		return nil, m.disable(ctx, conn)
	}

	if newTok.RefreshToken == "" {
		newTok.RefreshToken = refreshToken
	}
	accessEnc, err := m.cipher.Encrypt(newTok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := m.cipher.Encrypt(newTok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	expiresAt := m.expiryOf(newTok)
	if err := m.store.UpdateTokens(ctx, conn.ID, accessEnc, refreshEnc, expiresAt); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	if newTok.RefreshToken != refreshToken {
		m.shareRotatedGrant(ctx, conn, refreshToken, accessEnc, refreshEnc, expiresAt)
	}

	log.Printf("[oauth] ✅ Refreshed %s token for connection %s (expires: %s)", conn.Provider, conn.ID, expiresAt.Format(time.RFC3339))
	if !expiresAt.After(m.now().Add(RefreshBuffer)) {
		log.Printf("[oauth] ⚠️ %s issued a token for connection %s that expires within the %s refresh buffer", conn.Provider, conn.ID, RefreshBuffer)
	}
	return &AccessToken{
		Token:        newTok.AccessToken,
		ConnectionID: conn.ID,
		ExpiresAt:    expiresAt,
		Metadata:     decodeMetadata(conn.Metadata),
	}, nil
}

// shareRotatedGrant copies a rotated token set to the user's other
// connections that were issued from the same grant (one row per Atlassian
// site). Their old refresh token is no longer accepted by the provider.
func (m *Manager) shareRotatedGrant(ctx context.Context, conn *models.OAuthConnection, oldRefresh, accessEnc, refreshEnc string, expiresAt time.Time) {
	siblings, err := m.store.ListForUser(ctx, conn.UserID)
	if err != nil {
		log.Printf("[oauth] ⚠️ Failed to list connections sharing %s's grant: %v", conn.ID, err)
		return
	}
	for _, s := range siblings {
		if s.ID == conn.ID || s.Provider != conn.Provider || !s.IsEnabled || s.RefreshTokenEncrypted == "" {
			continue
		}
		rt, err := m.cipher.Decrypt(s.RefreshTokenEncrypted)
		if err != nil || rt != oldRefresh {
			continue
		}
		if err := m.store.UpdateTokens(ctx, s.ID, accessEnc, refreshEnc, expiresAt); err != nil {
			log.Printf("[oauth] ⚠️ Failed to share rotated token with connection %s: %v", s.ID, err)
			continue
		}
		log.Printf("[oauth] 🔄 Shared rotated %s token with connection %s", conn.Provider, s.ID)
	}
}

func (m *Manager) exchangeRefresh(ctx context.Context, prov provider.Provider, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := m.oauthContext(ctx)
	defer cancel()
	return prov.OAuthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func (m *Manager) disable(ctx context.Context, conn *models.OAuthConnection) error {
	// The disable must land even if the caller is about to give up.
	if err := m.store.Disable(context.WithoutCancel(ctx), conn.ID); err != nil {
		return fmt.Errorf("disable connection: %w", err)
	}
	return ErrReauthRequired
}

func (m *Manager) oauthContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	return context.WithTimeout(ctx, m.callTimeout)
}

func (m *Manager) isFresh(conn *models.OAuthConnection) bool {
	return conn.ExpiresAt.After(m.now().Add(RefreshBuffer))
}

func (m *Manager) expiryOf(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return m.now().Add(DefaultTokenLifetime)
	}
	return tok.Expiry
}

func (m *Manager) decryptAccess(conn *models.OAuthConnection) (*AccessToken, error) {
	plain, err := m.cipher.Decrypt(conn.AccessTokenEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token for connection %s: %w", conn.ID, err)
	}
	return &AccessToken{
		Token:        plain,
		ConnectionID: conn.ID,
		ExpiresAt:    conn.ExpiresAt,
		Metadata:     decodeMetadata(conn.Metadata),
	}, nil
}

func decodeMetadata(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// isPermanentRefreshError reports whether the provider revoked the grant.
// Both kinds disable the connection; the distinction only feeds the logs.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
