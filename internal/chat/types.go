// Package chat drives one conversation turn: it streams a model completion,
// reassembles streamed tool calls, runs them through the tool gateway and
// resubmits until the model produces a final answer.
package chat

import (
	"context"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons the loop reacts to.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Message is one role-tagged history segment sent to the model.
type Message struct {
	Role       string
	Content    string
	ToolCallID string     // tool messages
	ToolCalls  []ToolCall // assistant messages that requested tools
}

// ToolCall is a fully reassembled model-issued tool call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDef is a function the model may call.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// CompletionRequest is one streaming request to the model.
type CompletionRequest struct {
	Messages []Message
	Tools    []ToolDef
}

// ToolCallDelta is a fragment of a tool call from one streamed chunk.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one streamed delta.
type Chunk struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
}

// CompletionStream yields chunks in upstream order.
type CompletionStream interface {
	Next() bool
	Current() Chunk
	Err() error
	Close() error
}

// ModelClient opens streaming completions against the language model.
type ModelClient interface {
	Stream(ctx context.Context, req CompletionRequest) (CompletionStream, error)
}

const functionSeparator = "__"

// FunctionName builds the model-facing function name for a server's tool.
func FunctionName(serverID, toolName string) string {
	return serverID + functionSeparator + toolName
}

// ParseFunctionName splits a model-facing function name. The server id
// never contains the separator, so the first occurrence splits.
func ParseFunctionName(name string) (serverID, toolName string, ok bool) {
	serverID, toolName, ok = strings.Cut(name, functionSeparator)
	if !ok || serverID == "" || toolName == "" {
		return "", "", false
	}
	return serverID, toolName, true
}
