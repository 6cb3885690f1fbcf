package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pysugar/toolchat-nexus/internal/apperr"
)

// Site is one resource (e.g. an Atlassian cloud site) reachable with a token.
type Site struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// Metadata returns the connection metadata stored for this site.
func (s Site) Metadata() map[string]string {
	return map[string]string{
		"cloudId":  s.ID,
		"siteName": s.Name,
		"siteUrl":  s.URL,
	}
}

// FetchSites lists the sites accessToken can reach. It returns nil when the
// provider has no resources endpoint.
func (p Provider) FetchSites(ctx context.Context, client *http.Client, accessToken string) ([]Site, error) {
	if p.ResourcesURL == "" {
		return nil, nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ResourcesURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &apperr.TransportError{Endpoint: p.ResourcesURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &apperr.TransportError{Endpoint: p.ResourcesURL, Status: resp.StatusCode}
	}

	var sites []Site
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sites); err != nil {
		return nil, fmt.Errorf("decode %s resources: %w", p.ID, err)
	}
	return sites, nil
}
