// Package provider holds the closed catalog of OAuth providers that tool
// servers can authenticate against. Adding a provider is a data change.
package provider

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/oauth2"
)

// ID names a supported OAuth provider.
type ID string

const (
	Atlassian              ID = "atlassian"
	MicrosoftPartnerCenter ID = "microsoft_partner_center"
)

// Spec is the static configuration of one provider.
type Spec struct {
	ID       ID
	AuthURL  string
	TokenURL string
	Scopes   []string
	// ExtraAuthParams are appended to the consent URL (e.g. Atlassian's audience).
	ExtraAuthParams map[string]string
	// ResourcesURL lists the sites a token can reach. Empty when the
	// provider has a single tenant per grant.
	ResourcesURL string
}

var builtin = []Spec{
	{
		ID:       Atlassian,
		AuthURL:  "https://auth.atlassian.com/authorize",
		TokenURL: "https://auth.atlassian.com/oauth/token",
		Scopes: []string{
			"read:jira-user",
			"read:jira-work",
			"write:jira-work",
			"read:confluence-space.summary",
			"read:confluence-content.all",
			"offline_access",
		},
		ExtraAuthParams: map[string]string{"audience": "api.atlassian.com"},
		ResourcesURL:    "https://api.atlassian.com/oauth/token/accessible-resources",
	},
	{
		ID:       MicrosoftPartnerCenter,
		AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		Scopes: []string{
			"https://api.partnercenter.microsoft.com/user_impersonation",
			"offline_access",
		},
	},
}

// Builtin returns a copy of the built-in provider specs.
func Builtin() []Spec {
	out := make([]Spec, len(builtin))
	copy(out, builtin)
	return out
}

// Credentials are the client credentials registered with a provider.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Provider is a Spec bound to client credentials.
type Provider struct {
	Spec
	Credentials
}

// OAuthConfig returns the oauth2 configuration for redirectURL.
// Client credentials are sent in the form body, as both providers expect.
func (p Provider) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       append([]string(nil), p.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL builds the consent URL embedding state. It has no side effects.
func (p Provider) AuthCodeURL(state, redirectURL string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "consent")}
	keys := make([]string, 0, len(p.ExtraAuthParams))
	for k := range p.ExtraAuthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, p.ExtraAuthParams[k]))
	}
	return p.OAuthConfig(redirectURL).AuthCodeURL(state, opts...)
}

// Registry resolves provider ids to configured providers.
type Registry struct {
	providers map[ID]Provider
}

// NewRegistry binds specs to credentials. Specs without credentials are
// still registered so that stored connections remain readable.
func NewRegistry(specs []Spec, creds map[ID]Credentials) *Registry {
	r := &Registry{providers: make(map[ID]Provider, len(specs))}
	for _, spec := range specs {
		r.providers[spec.ID] = Provider{Spec: spec, Credentials: creds[spec.ID]}
	}
	return r
}

// Lookup returns the provider registered under id.
func (r *Registry) Lookup(id ID) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return Provider{}, fmt.Errorf("unknown oauth provider %q", id)
	}
	return p, nil
}

// Parse normalizes and validates a provider name.
func (r *Registry) Parse(name string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := r.providers[id]; !ok {
		return "", fmt.Errorf("unknown oauth provider %q", name)
	}
	return id, nil
}

// IDs lists the registered providers in stable order.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
