package agent

import (
	"context"

	"github.com/harun/ranya-agent/pkg/llm"
)

// Message aliases the wire message so callers of this package need not
// import llm for history.
type Message = llm.Message

// ToolRequest is a tool invocation after hooks have run.
type ToolRequest struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Args           map[string]any `json:"args"`
	ConversationID string         `json:"conversationId"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// content is what the model sees for this result.
func (r ToolResult) content() string {
	if r.Success {
		return r.Output
	}
	if r.Error != "" {
		return "Error: " + r.Error
	}
	return "Error: tool failed"
}

// ToolExecutor runs tools on behalf of the loop. Execute must not panic;
// failures are reported through ToolResult.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, req ToolRequest) ToolResult
}
