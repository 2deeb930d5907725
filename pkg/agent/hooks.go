package agent

import (
	"context"
	"time"
)

// StartEvent is passed to BeforeAgentStart.
type StartEvent struct {
	ConversationID string
	Content        string
}

// StartDecision lets a hook add context to the system prompt or stop the
// run before any model call.
type StartDecision struct {
	PrependContext string
	Abort          bool
	Reason         string
}

// ToolCallEvent is passed to BeforeToolCall.
type ToolCallEvent struct {
	ConversationID string
	Call           ToolRequest
}

// ToolCallDecision blocks a call or replaces its arguments. Nil Args keeps
// the model's arguments.
type ToolCallDecision struct {
	Block  bool
	Reason string
	Args   map[string]any
}

// ToolResultEvent is passed to AfterToolCall.
type ToolResultEvent struct {
	ConversationID string
	Call           ToolRequest
	Result         ToolResult
	Duration       time.Duration
}

// HookRunner observes and steers a run. A BeforeAgentStart error aborts
// the run; errors from the other hooks are logged and ignored.
type HookRunner interface {
	BeforeAgentStart(ctx context.Context, ev StartEvent) (StartDecision, error)
	BeforeToolCall(ctx context.Context, ev ToolCallEvent) (ToolCallDecision, error)
	AfterToolCall(ctx context.Context, ev ToolResultEvent) error
	AgentEnd(ctx context.Context, outcome Outcome) error
}

// NopHooks is a HookRunner that does nothing.
type NopHooks struct{}

func (NopHooks) BeforeAgentStart(context.Context, StartEvent) (StartDecision, error) {
	return StartDecision{}, nil
}

func (NopHooks) BeforeToolCall(context.Context, ToolCallEvent) (ToolCallDecision, error) {
	return ToolCallDecision{}, nil
}

func (NopHooks) AfterToolCall(context.Context, ToolResultEvent) error { return nil }

func (NopHooks) AgentEnd(context.Context, Outcome) error { return nil }
