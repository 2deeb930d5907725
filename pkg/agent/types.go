package agent

import "time"

// State is the lifecycle position of a run.
type State string

const (
	StateStarting            State = "starting"
	StateRunning             State = "running"
	StateAwaitingToolResults State = "awaiting_tool_results"
	StateFinalizing          State = "finalizing"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// Status is the payload of a status stream item.
type Status string

const (
	StatusRunning        Status = "running"
	StatusDone           Status = "done"
	StatusError          Status = "error"
	StatusUploadingVideo Status = "uploading_video"
)

// ItemKind discriminates StreamItem.
type ItemKind string

const (
	KindStatus     ItemKind = "status"
	KindDelta      ItemKind = "delta"
	KindFinal      ItemKind = "final"
	KindToolCall   ItemKind = "tool_call"
	KindToolResult ItemKind = "tool_result"
)

// StreamItem is one element of a run's output stream. Which fields are
// set depends on Kind:
//
//	status       Status
//	delta,final  Text
//	tool_call    ID, Name, Args
//	tool_result  ID, Name, Success, Output, Error
type StreamItem struct {
	Kind    ItemKind       `json:"type"`
	Status  Status         `json:"status,omitempty"`
	Text    string         `json:"text,omitempty"`
	ID      string         `json:"id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Success bool           `json:"success,omitempty"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func StatusItem(s Status) StreamItem {
	return StreamItem{Kind: KindStatus, Status: s}
}

func DeltaItem(text string) StreamItem {
	return StreamItem{Kind: KindDelta, Text: text}
}

func FinalItem(text string) StreamItem {
	return StreamItem{Kind: KindFinal, Text: text}
}

func ToolCallItem(req ToolRequest) StreamItem {
	return StreamItem{Kind: KindToolCall, ID: req.ID, Name: req.Name, Args: req.Args}
}

func ToolResultItem(res ToolResult) StreamItem {
	return StreamItem{
		Kind:    KindToolResult,
		ID:      res.ID,
		Name:    res.Name,
		Success: res.Success,
		Output:  res.Output,
		Error:   res.Error,
	}
}

// RunInput is one user turn.
type RunInput struct {
	ConversationID string
	Content        string
	// History is used when the runner has no conversation store.
	History []Message
	// DisableTools runs the turn in plain chat mode.
	DisableTools bool
}

// Outcome summarizes a finished run, as passed to the end hook.
type Outcome struct {
	ConversationID string
	State          State
	Success        bool
	Err            error
	Items          []StreamItem
	Duration       time.Duration
	ToolCalls      int
}
