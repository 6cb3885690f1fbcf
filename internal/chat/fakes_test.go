package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"github.com/pysugar/toolchat-nexus/internal/mcp"
)

// scriptedModel replays one chunk script per round and records requests.
type scriptedModel struct {
	mu       sync.Mutex
	rounds   [][]Chunk
	errs     []error // stream error per round, optional
	requests []CompletionRequest
	repeat   bool // replay the last round forever
}

func (m *scriptedModel) Stream(_ context.Context, req CompletionRequest) (CompletionStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.requests)
	m.requests = append(m.requests, cloneRequest(req))
	if i >= len(m.rounds) {
		if !m.repeat || len(m.rounds) == 0 {
			return nil, errors.New("unexpected model call")
		}
		i = len(m.rounds) - 1
	}
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	return &sliceStream{chunks: m.rounds[i], err: err, pos: -1}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func cloneRequest(req CompletionRequest) CompletionRequest {
	out := CompletionRequest{Tools: req.Tools}
	for _, msg := range req.Messages {
		msg.ToolCalls = append([]ToolCall(nil), msg.ToolCalls...)
		out.Messages = append(out.Messages, msg)
	}
	return out
}

type sliceStream struct {
	chunks []Chunk
	err    error
	pos    int
	closed bool
}

func (s *sliceStream) Next() bool {
	if s.pos+1 >= len(s.chunks) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Current() Chunk { return s.chunks[s.pos] }
func (s *sliceStream) Err() error     { return s.err }
func (s *sliceStream) Close() error   { s.closed = true; return nil }

type toolCallRecord struct {
	ServerID string
	ToolName string
	Args     string
}

// fakeGateway serves a fixed catalog and scripted tool results.
type fakeGateway struct {
	mu       sync.Mutex
	catalog  *mcp.Catalog
	results  map[string]string
	errs     map[string]error
	invoked  []toolCallRecord
	discover error
}

func (g *fakeGateway) AllToolsForUser(context.Context, mcp.Caller) (*mcp.Catalog, error) {
	if g.discover != nil {
		return nil, g.discover
	}
	if g.catalog == nil {
		return &mcp.Catalog{}, nil
	}
	return g.catalog, nil
}

func (g *fakeGateway) CallTool(_ context.Context, _ mcp.Caller, serverID, toolName string, args json.RawMessage) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoked = append(g.invoked, toolCallRecord{ServerID: serverID, ToolName: toolName, Args: string(args)})
	if err := g.errs[toolName]; err != nil {
		return "", err
	}
	return g.results[toolName], nil
}

// memTranscript is an in-memory Transcript.
type memTranscript struct {
	mu      sync.Mutex
	rows    []models.Message
	meta    []map[string]any
	touched int
	failOn  string // role whose Append fails
}

func (t *memTranscript) Messages(context.Context, string) ([]models.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Message(nil), t.rows...), nil
}

func (t *memTranscript) Append(_ context.Context, conversationID, role, content string, metadata map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if role == t.failOn {
		return errors.New("disk full")
	}
	t.rows = append(t.rows, models.Message{ConversationID: conversationID, Role: role, Content: content})
	t.meta = append(t.meta, metadata)
	return nil
}

func (t *memTranscript) Touch(context.Context, string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touched++
	return nil
}

func (t *memTranscript) roles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, r := range t.rows {
		out = append(out, r.Role)
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) terminals() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) ofType(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) tokens() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var s string
	for _, e := range l.events {
		if e.Type == EventToken {
			s += e.Token
		}
	}
	return s
}

type recordingObserver struct {
	mu      sync.Mutex
	entries []models.ToolInvocation
}

func (o *recordingObserver) Record(e models.ToolInvocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
}

func weatherCatalog() *mcp.Catalog {
	return &mcp.Catalog{Servers: []mcp.ServerTools{{
		ServerID:   "srv1",
		ServerName: "weather",
		Tools: []mcp.Tool{
			{
				ServerID: "srv1", ServerName: "weather", Name: "forecast", Description: "Forecast",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
					"required":   []any{"city"},
				},
			},
			{
				ServerID: "srv1", ServerName: "weather", Name: "search", Description: "Search",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"q": map[string]any{"type": "string"}},
				},
			},
		},
	}}}
}

var errBoom = &apperr.TransportError{Endpoint: "http://tools", Status: 502}

// stalledModel opens streams that yield the given chunks, spaced by gap,
// then block until the request context ends.
type stalledModel struct {
	chunks []Chunk
	gap    time.Duration
}

func (m *stalledModel) Stream(ctx context.Context, _ CompletionRequest) (CompletionStream, error) {
	return &stalledStream{ctx: ctx, chunks: m.chunks, gap: m.gap, pos: -1}, nil
}

type stalledStream struct {
	ctx    context.Context
	chunks []Chunk
	gap    time.Duration
	pos    int
	err    error
}

func (s *stalledStream) Next() bool {
	if s.pos+1 < len(s.chunks) {
		if s.pos >= 0 && s.gap > 0 {
			time.Sleep(s.gap)
		}
		s.pos++
		return true
	}
	<-s.ctx.Done()
	s.err = s.ctx.Err()
	return false
}

func (s *stalledStream) Current() Chunk { return s.chunks[s.pos] }
func (s *stalledStream) Err() error     { return s.err }
func (s *stalledStream) Close() error   { return nil }
