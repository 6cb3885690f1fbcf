package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

const jsonRPCVersion = "2.0"

// JSON-RPC 2.0 parse error code.
const codeParseError = -32700

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type listToolsResult struct {
	Tools []wireTool `json:"tools"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// text joins the text blocks with newlines. Other block types are dropped
// and only counted.
func (r callToolResult) text() (string, int) {
	var parts []string
	skipped := 0
	for _, block := range r.Content {
		if block.Type != "text" {
			skipped++
			continue
		}
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "\n"), skipped
}

// ssePayload returns the first data line of an event-stream body that
// holds a JSON object.
func ssePayload(body []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if strings.HasPrefix(data, "{") {
			return []byte(data)
		}
	}
	return nil
}
