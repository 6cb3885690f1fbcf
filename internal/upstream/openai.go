// Package upstream adapts the OpenAI-compatible chat completions API to the
// orchestrator's streaming model interface.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/chat"
	"github.com/pysugar/toolchat-nexus/internal/version"
)

// responseHeaderTimeout bounds the wait for the first response byte. The
// body has no client-side limit; the caller's round context bounds it.
const responseHeaderTimeout = 180 * time.Second

// Provider streams chat completions from an OpenAI-compatible endpoint
// (Azure AI Foundry, OpenAI, or any compatible gateway).
type Provider struct {
	model         string
	apiKey        string
	baseURL       string
	staticHeaders map[string]string
	client        openai.Client
}

// NewProvider creates a provider. httpClient may be nil.
func NewProvider(baseURL, apiKey, model string, staticHeaders map[string]string, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	p := &Provider{
		model:         strings.TrimSpace(model),
		apiKey:        strings.TrimSpace(apiKey),
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		staticHeaders: make(map[string]string, len(staticHeaders)),
	}
	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
		// No SDK retries: a replayed stream duplicates tokens.
		option.WithMaxRetries(0),
		option.WithHeader("User-Agent", version.UserAgent()),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL+"/"))
	}
	for k, v := range staticHeaders {
		p.staticHeaders[k] = v
		opts = append(opts, option.WithHeader(k, v))
	}
	p.client = openai.NewClient(opts...)
	return p
}

// IsEnabled reports whether the provider has what it needs to make calls.
func (p *Provider) IsEnabled() bool {
	return p != nil && p.apiKey != "" && p.model != ""
}

// Model returns the configured model name.
func (p *Provider) Model() string {
	return p.model
}

// Stream opens a streaming completion for req.
func (p *Provider) Stream(ctx context.Context, req chat.CompletionRequest) (chat.CompletionStream, error) {
	if !p.IsEnabled() {
		return nil, fmt.Errorf("model provider is not configured")
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: toMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, p.wrapErr(err)
	}
	return &completionStream{stream: stream, provider: p}, nil
}

func (p *Provider) wrapErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &apperr.TransportError{Endpoint: p.endpoint(), Status: apiErr.StatusCode, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &apperr.TransportError{Endpoint: p.endpoint(), Err: err}
}

func (p *Provider) endpoint() string {
	if p.baseURL == "" {
		return "https://api.openai.com/v1/chat/completions"
	}
	return p.baseURL + "/chat/completions"
}

type completionStream struct {
	stream   *ssestream.Stream[openai.ChatCompletionChunk]
	provider *Provider
	current  chat.Chunk
}

func (s *completionStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		out := chat.Chunk{
			Content:      choice.Delta.Content,
			FinishReason: string(choice.FinishReason),
		}
		for _, tc := range choice.Delta.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, chat.ToolCallDelta{
				Index:     int(tc.Index),
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		s.current = out
		return true
	}
	return false
}

func (s *completionStream) Current() chat.Chunk { return s.current }

func (s *completionStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return s.provider.wrapErr(err)
	}
	return nil
}

func (s *completionStream) Close() error { return s.stream.Close() }

func toMessages(msgs []chat.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case chat.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case chat.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case chat.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

func toTools(defs []chat.ToolDef) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		fn := shared.FunctionDefinitionParam{
			Name:       d.Name,
			Parameters: shared.FunctionParameters(d.Parameters),
		}
		if d.Description != "" {
			fn.Description = openai.String(d.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func defaultHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = responseHeaderTimeout
	return &http.Client{Transport: tr}
}
