package tracing

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	traceIDKey        contextKey = "trace_id"
	runIDKey          contextKey = "run_id"
	conversationIDKey contextKey = "conversation_id"
)

// Fields is the tracing information carried through a turn.
type Fields struct {
	TraceID        string
	RunID          string
	ConversationID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

func TraceID(ctx context.Context) string {
	return stringValue(ctx, traceIDKey)
}

func RunID(ctx context.Context) string {
	return stringValue(ctx, runIDKey)
}

func ConversationID(ctx context.Context) string {
	return stringValue(ctx, conversationIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) Fields {
	return Fields{
		TraceID:        TraceID(ctx),
		RunID:          RunID(ctx),
		ConversationID: ConversationID(ctx),
	}
}

// NewRunContext starts a run inside a conversation. An existing trace ID
// is kept so nested runs (summaries) share the parent's trace.
func NewRunContext(ctx context.Context, conversationID string) context.Context {
	if TraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	if conversationID != "" {
		ctx = WithConversationID(ctx, conversationID)
	}
	return ctx
}
