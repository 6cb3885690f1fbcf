package models

// Tool invocation statuses.
const (
	InvocationOK           = "ok"
	InvocationError        = "error"
	InvocationAuthRequired = "auth_required"
)

// ToolInvocation records one tool call executed during a conversation turn.
type ToolInvocation struct {
	ID             string `gorm:"primaryKey" json:"id"`
	Timestamp      int64  `gorm:"index" json:"timestamp"`
	RequestID      string `json:"request_id,omitempty"`
	UserID         string `gorm:"index" json:"user_id"`
	ConversationID string `gorm:"index" json:"conversation_id"`
	ServerID       string `gorm:"index" json:"server_id"`
	ToolName       string `gorm:"index" json:"tool_name"`
	CallID         string `json:"call_id"`
	Status         string `json:"status"` // ok, error, auth_required
	Duration       int64  `json:"duration"` // milliseconds
	Error          string `json:"error,omitempty"`
	Arguments      string `gorm:"type:text" json:"arguments,omitempty"`
	Result         string `gorm:"type:text" json:"result,omitempty"`
}

// ToolInvocationStats holds aggregated statistics for tool invocations.
type ToolInvocationStats struct {
	TotalCalls   int64 `json:"total_calls"`
	SuccessCount int64 `json:"success_count"`
	ErrorCount   int64 `json:"error_count"`
}
