package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"github.com/pysugar/toolchat-nexus/internal/logging"
	"github.com/pysugar/toolchat-nexus/internal/mcp"
	"github.com/pysugar/toolchat-nexus/internal/util"
)

const (
	DefaultMaxRounds    = 8
	MaxRoundsLimit      = 20
	defaultRoundTimeout = 5 * time.Minute

	errorPrefix = "Error: "
)

// Status is the outcome of one turn.
type Status int

const (
	StatusComplete Status = iota
	StatusNeedsAuth
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusNeedsAuth:
		return "needs_auth"
	default:
		return "failed"
	}
}

// Turn is one user message to answer.
type Turn struct {
	Caller         mcp.Caller
	ConversationID string
	Content        string
}

// Result summarizes a finished turn.
type Result struct {
	Status       Status
	Answer       string
	ToolsUsed    bool
	Rounds       int
	AuthRequired *apperr.AuthRequiredError
	Err          error
}

// Transcript is the append-only message log of a conversation.
type Transcript interface {
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	Append(ctx context.Context, conversationID, role, content string, metadata map[string]any) error
	Touch(ctx context.Context, conversationID string) error
}

// ToolGateway discovers and invokes tools for a caller.
type ToolGateway interface {
	AllToolsForUser(ctx context.Context, caller mcp.Caller) (*mcp.Catalog, error)
	CallTool(ctx context.Context, caller mcp.Caller, serverID, toolName string, args json.RawMessage) (string, error)
}

// ToolObserver is told about every executed tool call.
type ToolObserver interface {
	Record(models.ToolInvocation)
}

// Options tune the orchestration loop.
type Options struct {
	SystemPrompt string
	MaxRounds    int
	RoundTimeout time.Duration
	MaxRepeats   int
	StreamIdle   time.Duration
}

// Orchestrator runs conversation turns. It holds no per-turn state and is
// safe for concurrent use.
type Orchestrator struct {
	model      ModelClient
	tools      ToolGateway
	transcript Transcript
	observer   ToolObserver
	opts       Options
}

// NewOrchestrator creates an orchestrator. observer may be nil.
func NewOrchestrator(model ModelClient, tools ToolGateway, transcript Transcript, observer ToolObserver, opts Options) *Orchestrator {
	opts.MaxRounds = ClampRounds(opts.MaxRounds)
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = defaultRoundTimeout
	}
	return &Orchestrator{
		model:      model,
		tools:      tools,
		transcript: transcript,
		observer:   observer,
		opts:       opts,
	}
}

// ClampRounds applies the default and upper bound to a round limit.
func ClampRounds(n int) int {
	if n <= 0 {
		return DefaultMaxRounds
	}
	if n > MaxRoundsLimit {
		return MaxRoundsLimit
	}
	return n
}

// boundTool is a catalog tool addressable by its function name.
type boundTool struct {
	tool      mcp.Tool
	validator argValidator
}

// turnState is the mutable state of one Run.
type turnState struct {
	turn      Turn
	emit      Emitter
	reqID     string
	messages  []Message
	tools     []ToolDef
	bound     map[string]boundTool
	answer    string
	toolsUsed bool
	rounds    int
}

// Run answers turn, pushing events to emit. It always emits exactly one
// terminal event and never persists a partial assistant message.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, emit Emitter) Result {
	if emit == nil {
		emit = Discard
	}
	st := &turnState{turn: turn, emit: emit, reqID: logging.GetRequestID(ctx)}

	history, err := o.transcript.Messages(ctx, turn.ConversationID)
	if err != nil {
		return o.fail(st, fmt.Errorf("load history: %w", err))
	}
	if o.opts.SystemPrompt != "" {
		st.messages = append(st.messages, Message{Role: RoleSystem, Content: o.opts.SystemPrompt})
	}
	st.messages = append(st.messages, historyMessages(history)...)
	st.messages = append(st.messages, Message{Role: RoleUser, Content: turn.Content})

	if err := o.transcript.Append(ctx, turn.ConversationID, RoleUser, turn.Content, nil); err != nil {
		return o.fail(st, fmt.Errorf("persist user message: %w", err))
	}

	catalog, err := o.tools.AllToolsForUser(ctx, turn.Caller)
	if err != nil {
		return o.fail(st, fmt.Errorf("discover tools: %w", err))
	}
	if authErr := catalog.FirstAuthRequired(); authErr != nil {
		return o.needsAuth(st, authErr)
	}
	st.tools, st.bound = bindTools(catalog)
	log.Printf("[chat] 💬 [%s] Turn for conversation %s with %d tools", st.reqID, turn.ConversationID, len(st.tools))

	for st.rounds < o.opts.MaxRounds {
		st.rounds++
		text, calls, err := o.streamRound(ctx, st)
		if err != nil {
			return o.fail(st, err)
		}
		st.answer += text

		if len(calls) == 0 {
			return o.complete(ctx, st)
		}
		if st.rounds == o.opts.MaxRounds {
			break
		}

		st.toolsUsed = true
		st.messages = append(st.messages, Message{Role: RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			content, authErr := o.executeCall(ctx, st, call)
			if authErr != nil {
				return o.needsAuth(st, authErr)
			}
			st.messages = append(st.messages, Message{Role: RoleTool, Content: content, ToolCallID: call.ID})
		}
	}
	return o.fail(st, apperr.ErrMaxIterations)
}

// streamRound runs one model request. It returns the round's text and, when
// the model stopped to call tools, the reassembled calls in issue order.
func (o *Orchestrator) streamRound(ctx context.Context, st *turnState) (string, []ToolCall, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.RoundTimeout)
	defer cancel()

	stream, err := o.model.Stream(ctx, CompletionRequest{Messages: st.messages, Tools: st.tools})
	if err != nil {
		return "", nil, fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	var text string
	acc := newCallAccumulator()
	safety := newStreamSafetyChecker(o.opts.MaxRepeats, o.opts.StreamIdle)
	finish := ""

	for stream.Next() {
		chunk := stream.Current()
		if reason := safety.Check(chunk); reason != "" {
			return "", nil, &apperr.TransportError{Endpoint: "model", Err: errors.New(reason)}
		}
		if chunk.Content != "" {
			text += chunk.Content
			st.emit.Emit(Event{Type: EventToken, Token: chunk.Content})
		}
		for _, d := range chunk.ToolCalls {
			call, named := acc.Add(d)
			if !named {
				continue
			}
			if serverID, toolName, ok := ParseFunctionName(call.Name); ok {
				st.emit.Emit(Event{Type: EventToolCall, ToolName: toolName, ServerID: serverID})
			}
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, fmt.Errorf("completion stream: %w", err)
	}

	// A stream that ends without a finish reason stops to call tools only
	// when it produced some.
	if finish == "" && acc.Len() > 0 {
		finish = FinishToolCalls
	}
	if finish != FinishToolCalls {
		if acc.Len() > 0 {
			log.Printf("[chat] ⚠️ [%s] Ignoring %d tool calls with finish reason %q", st.reqID, acc.Len(), finish)
		}
		return text, nil, nil
	}
	calls := acc.Calls()
	if len(calls) == 0 {
		log.Printf("[chat] ⚠️ [%s] finish_reason tool_calls without any tool call", st.reqID)
	}
	return text, calls, nil
}

// executeCall runs one tool call. Failures become "Error: ..." content for
// the model; only AuthRequired escapes.
func (o *Orchestrator) executeCall(ctx context.Context, st *turnState, call ToolCall) (string, *apperr.AuthRequiredError) {
	bound, ok := st.bound[call.Name]
	if !ok {
		log.Printf("[chat] ⚠️ [%s] Model called unknown tool %q", st.reqID, call.Name)
		return errorPrefix + fmt.Sprintf("unknown tool %q", call.Name), nil
	}
	entry := models.ToolInvocation{
		RequestID:      st.reqID,
		UserID:         st.turn.Caller.UserID,
		ConversationID: st.turn.ConversationID,
		ServerID:       bound.tool.ServerID,
		ToolName:       bound.tool.Name,
		CallID:         call.ID,
		Arguments:      call.Arguments,
	}

	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	if err := bound.validator.Validate(args); err != nil {
		entry.Status = models.InvocationError
		entry.Error = err.Error()
		o.record(entry)
		return errorPrefix + err.Error(), nil
	}

	start := time.Now()
	result, err := o.tools.CallTool(ctx, st.turn.Caller, bound.tool.ServerID, bound.tool.Name, json.RawMessage(args))
	entry.Duration = time.Since(start).Milliseconds()

	if authErr, isAuth := apperr.AsAuthRequired(err); isAuth {
		entry.Status = models.InvocationAuthRequired
		entry.Error = authErr.Error()
		o.record(entry)
		return "", authErr
	}
	if err != nil {
		log.Printf("[chat] ❌ [%s] Tool %s/%s failed: %v", st.reqID, bound.tool.ServerName, bound.tool.Name, err)
		entry.Status = models.InvocationError
		entry.Error = err.Error()
		o.record(entry)
		return errorPrefix + err.Error(), nil
	}

	log.Printf("[chat] 🔧 [%s] Tool %s/%s returned %s (%dms)", st.reqID, bound.tool.ServerName, bound.tool.Name,
		util.TruncateLog(result, 200), entry.Duration)
	entry.Status = models.InvocationOK
	entry.Result = result
	o.record(entry)
	return result, nil
}

func (o *Orchestrator) record(entry models.ToolInvocation) {
	if o.observer != nil {
		o.observer.Record(entry)
	}
}

func (o *Orchestrator) complete(ctx context.Context, st *turnState) Result {
	meta := map[string]any{"toolsUsed": st.toolsUsed}
	if err := o.transcript.Append(ctx, st.turn.ConversationID, RoleAssistant, st.answer, meta); err != nil {
		return o.fail(st, fmt.Errorf("persist assistant message: %w", err))
	}
	if err := o.transcript.Touch(ctx, st.turn.ConversationID); err != nil {
		log.Printf("[chat] ⚠️ [%s] Failed to bump conversation %s: %v", st.reqID, st.turn.ConversationID, err)
	}
	log.Printf("[chat] ✅ [%s] Turn complete after %d rounds (tools used: %v)", st.reqID, st.rounds, st.toolsUsed)
	st.emit.Emit(Event{Type: EventComplete, Content: st.answer})
	return Result{Status: StatusComplete, Answer: st.answer, ToolsUsed: st.toolsUsed, Rounds: st.rounds}
}

func (o *Orchestrator) needsAuth(st *turnState, authErr *apperr.AuthRequiredError) Result {
	log.Printf("[chat] 🔒 [%s] Turn needs %s authorization: %s", st.reqID, authErr.Provider, authErr.Reason)
	st.emit.Emit(Event{Type: EventAuthRequired, Provider: authErr.Provider, Reason: authErr.Reason})
	return Result{Status: StatusNeedsAuth, ToolsUsed: st.toolsUsed, Rounds: st.rounds, AuthRequired: authErr}
}

func (o *Orchestrator) fail(st *turnState, err error) Result {
	log.Printf("[chat] ❌ [%s] Turn failed after %d rounds: %v", st.reqID, st.rounds, err)
	st.emit.Emit(Event{Type: EventError, Error: userMessage(err)})
	return Result{Status: StatusFailed, ToolsUsed: st.toolsUsed, Rounds: st.rounds, Err: err}
}

// userMessage is the generic text shown to users for a failed turn.
func userMessage(err error) string {
	switch {
	case errors.Is(err, apperr.ErrMaxIterations):
		return "The assistant did not finish within the tool call limit."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request was interrupted."
	default:
		return "Failed to generate a response."
	}
}

// bindTools turns the catalog into model function definitions.
func bindTools(catalog *mcp.Catalog) ([]ToolDef, map[string]boundTool) {
	var defs []ToolDef
	bound := make(map[string]boundTool)
	for _, tool := range catalog.Tools() {
		name := FunctionName(tool.ServerID, tool.Name)
		params := tool.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, ToolDef{
			Name:        name,
			Description: fmt.Sprintf("[%s] %s", tool.ServerName, tool.Description),
			Parameters:  params,
		})
		bound[name] = boundTool{tool: tool, validator: newArgValidator(name, tool.InputSchema)}
	}
	return defs, bound
}

// historyMessages converts stored rows to model messages. Tool rows are
// never persisted as standalone turns and are skipped.
func historyMessages(rows []models.Message) []Message {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		switch r.Role {
		case RoleUser, RoleAssistant, RoleSystem:
			out = append(out, Message{Role: r.Role, Content: r.Content})
		}
	}
	return out
}
