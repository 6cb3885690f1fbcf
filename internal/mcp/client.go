// Package mcp is the tool gateway: it discovers and invokes tools on
// user-configured JSON-RPC tool servers under their authentication strategy.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/auth/provider"
	"github.com/pysugar/toolchat-nexus/internal/auth/token"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"github.com/pysugar/toolchat-nexus/internal/logging"
	"github.com/pysugar/toolchat-nexus/internal/secret"
	"github.com/pysugar/toolchat-nexus/internal/util"
	"github.com/pysugar/toolchat-nexus/internal/version"
)

const (
	// ReasonTokenExpired is the AuthRequired reason for unusable OAuth connections.
	ReasonTokenExpired = "Token expired or revoked"

	maxResponseBytes   = 8 << 20
	defaultListTimeout = 15 * time.Second
	defaultCallTimeout = 60 * time.Second
)

// Caller identifies who a gateway request is made for.
type Caller struct {
	UserID string
	// BearerToken is the caller's own session credential, forwarded to
	// bearer_delegated servers.
	BearerToken string
}

// Tool is a tool advertised by a server. It is rebuilt on every discovery.
type Tool struct {
	ServerID    string         `json:"server_id"`
	ServerName  string         `json:"server_name"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ServerTools groups the tools of one server.
type ServerTools struct {
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	Tools      []Tool `json:"tools"`
}

// Catalog is the result of discovery across every enabled server.
type Catalog struct {
	Servers      []ServerTools
	AuthRequired []*apperr.AuthRequiredError
	// Failures holds non-auth discovery errors keyed by server id.
	Failures map[string]error
}

// FirstAuthRequired returns the actionable auth signal, if any.
func (c *Catalog) FirstAuthRequired() *apperr.AuthRequiredError {
	if len(c.AuthRequired) == 0 {
		return nil
	}
	return c.AuthRequired[0]
}

// Tools flattens the catalog in server order.
func (c *Catalog) Tools() []Tool {
	var out []Tool
	for _, s := range c.Servers {
		out = append(out, s.Tools...)
	}
	return out
}

// TokenSource hands out valid provider access tokens.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, userID string, p provider.ID) (*token.AccessToken, error)
}

// ServerStore loads user-owned tool server configurations.
type ServerStore interface {
	Get(ctx context.Context, userID, serverID string) (*models.ToolServer, error)
	List(ctx context.Context, userID string) ([]models.ToolServer, error)
}

// Client talks JSON-RPC 2.0 over HTTP POST to tool servers.
type Client struct {
	servers     ServerStore
	tokens      TokenSource
	cipher      secret.Cipher
	httpClient  *http.Client
	listTimeout time.Duration
	callTimeout time.Duration
	nextID      atomic.Int64
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for tool server requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeouts bounds tools/list and tools/call requests.
func WithTimeouts(list, call time.Duration) Option {
	return func(cl *Client) {
		if list > 0 {
			cl.listTimeout = list
		}
		if call > 0 {
			cl.callTimeout = call
		}
	}
}

// NewClient creates a gateway client.
func NewClient(servers ServerStore, tokens TokenSource, cipher secret.Cipher, opts ...Option) *Client {
	c := &Client{
		servers:     servers,
		tokens:      tokens,
		cipher:      cipher,
		httpClient:  &http.Client{},
		listTimeout: defaultListTimeout,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.nextID.Store(time.Now().UnixMilli())
	return c
}

// AuthHeaders builds the request headers for server. An unusable OAuth
// connection yields *apperr.AuthRequiredError.
func (c *Client) AuthHeaders(ctx context.Context, caller Caller, server *models.ToolServer) (http.Header, error) {
	h := http.Header{}
	switch server.AuthType {
	case models.AuthTypeNone:
	case models.AuthTypeBearerDelegated:
		if caller.BearerToken != "" {
			h.Set("Authorization", "Bearer "+caller.BearerToken)
		}
	case models.AuthTypeAPIKey:
		if server.APIKeyEncrypted != "" {
			key, err := c.cipher.Decrypt(server.APIKeyEncrypted)
			if err != nil {
				return nil, fmt.Errorf("decrypt api key for server %s: %w", server.ID, err)
			}
			h.Set("X-API-Key", key)
		}
	case models.AuthTypeOAuth:
		if server.OAuthProvider == "" {
			return nil, fmt.Errorf("server %s has no oauth provider", server.ID)
		}
		tok, err := c.tokens.ValidAccessToken(ctx, caller.UserID, provider.ID(server.OAuthProvider))
		if errors.Is(err, token.ErrReauthRequired) {
			return nil, &apperr.AuthRequiredError{Provider: server.OAuthProvider, Reason: ReasonTokenExpired}
		}
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", "Bearer "+tok.Token)
	default:
		return nil, fmt.Errorf("unsupported auth type %q", server.AuthType)
	}
	return h, nil
}

// ListTools issues tools/list against one server.
func (c *Client) ListTools(ctx context.Context, caller Caller, serverID string) ([]Tool, error) {
	server, err := c.enabledServer(ctx, caller.UserID, serverID)
	if err != nil {
		return nil, err
	}
	return c.listTools(ctx, caller, server)
}

// CallTool issues tools/call and returns the text blocks joined by newlines.
func (c *Client) CallTool(ctx context.Context, caller Caller, serverID, toolName string, args json.RawMessage) (string, error) {
	server, err := c.enabledServer(ctx, caller.UserID, serverID)
	if err != nil {
		return "", err
	}
	headers, err := c.AuthHeaders(ctx, caller, server)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	raw, err := c.do(ctx, server.URL, headers, "tools/call", callParams{Name: toolName, Arguments: args})
	if err != nil {
		return "", err
	}
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", &apperr.ProtocolError{Code: codeParseError, Message: "malformed tools/call result"}
	}
	text, skipped := result.text()
	if skipped > 0 {
		log.Printf("[mcp] ℹ️ %s/%s returned %d non-text content blocks (ignored)", server.Name, toolName, skipped)
	}
	if result.IsError {
		return "", &apperr.ProtocolError{Message: text}
	}
	return text, nil
}

// AllToolsForUser discovers tools on every enabled server. Auth failures are
// collected per server while the other servers' tools are still returned.
func (c *Client) AllToolsForUser(ctx context.Context, caller Caller) (*Catalog, error) {
	servers, err := c.servers.List(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	catalog := &Catalog{Failures: map[string]error{}}
	for i := range servers {
		server := &servers[i]
		if !server.IsEnabled {
			continue
		}
		tools, err := c.listTools(ctx, caller, server)
		if err != nil {
			if authErr, ok := apperr.AsAuthRequired(err); ok {
				catalog.AuthRequired = append(catalog.AuthRequired, authErr)
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[mcp] ⚠️ [%s] Discovery failed for server %s: %v", logging.GetRequestID(ctx), server.Name, err)
			catalog.Failures[server.ID] = err
			continue
		}
		catalog.Servers = append(catalog.Servers, ServerTools{
			ServerID:   server.ID,
			ServerName: server.Name,
			Tools:      tools,
		})
	}
	return catalog, nil
}

func (c *Client) listTools(ctx context.Context, caller Caller, server *models.ToolServer) ([]Tool, error) {
	headers, err := c.AuthHeaders(ctx, caller, server)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	raw, err := c.do(ctx, server.URL, headers, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, &apperr.ProtocolError{Code: codeParseError, Message: "malformed tools/list result"}
		}
	}
	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, Tool{
			ServerID:    server.ID,
			ServerName:  server.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

func (c *Client) enabledServer(ctx context.Context, userID, serverID string) (*models.ToolServer, error) {
	server, err := c.servers.Get(ctx, userID, serverID)
	if err != nil {
		return nil, err
	}
	if !server.IsEnabled {
		return nil, apperr.ErrNotFound
	}
	return server, nil
}

// do posts one JSON-RPC request and returns the raw result.
func (c *Client) do(ctx context.Context, endpoint string, headers http.Header, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &apperr.TransportError{Endpoint: endpoint, Err: err}
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("User-Agent", version.UserAgent())
	if reqID := logging.GetRequestID(ctx); reqID != "" {
		req.Header.Set(logging.HeaderRequestID, reqID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &apperr.TransportError{Endpoint: endpoint, Err: err}
	}
	if len(data) > maxResponseBytes {
		return nil, &apperr.TransportError{Endpoint: endpoint, Err: fmt.Errorf("response exceeds %d bytes", maxResponseBytes)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("[mcp] ❌ [%s] %s %s -> %d: %s", logging.GetRequestID(ctx), method, endpoint, resp.StatusCode, util.TruncateBytes(data))
		return nil, &apperr.TransportError{Endpoint: endpoint, Status: resp.StatusCode}
	}

	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "text/event-stream" {
		data = ssePayload(data)
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, &apperr.ProtocolError{Code: codeParseError, Message: fmt.Sprintf("malformed %s response", method)}
	}
	if rpcResp.Error != nil {
		return nil, &apperr.ProtocolError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	log.Printf("[mcp] ✅ [%s] %s %s (%dms)", logging.GetRequestID(ctx), method, endpoint, time.Since(start).Milliseconds())
	return rpcResp.Result, nil
}
