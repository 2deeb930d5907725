package llm

import "encoding/json"

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model. Arguments holds
// the raw JSON arguments exactly as the model produced them.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ArgumentsMap decodes Arguments. Unparseable text is returned under the
// "_raw" key so the tool can report a validation error.
func (tc ToolCall) ArgumentsMap() map[string]any {
	if tc.Arguments == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(tc.Arguments), &out); err != nil || out == nil {
		return map[string]any{"_raw": tc.Arguments}
	}
	return out
}

// Message is one entry in a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
}

// ToolDefinition describes a tool to the model. Parameters is a JSON
// schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one model call.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
}

// Response is the parsed model answer.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Profile   string
	Model     string
	Protocol  Protocol
}
