package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Type     string // "tool" or "run"
	Actor    string // conversation id
	Action   string // e.g. "execute:read_file", "run:completed"
	Status   string // "success" or "error"
	Metadata map[string]any
}

// AuditLog appends audit events as JSON lines.
type AuditLog struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

// NopAuditLog discards every event.
func NopAuditLog() *AuditLog {
	return &AuditLog{logger: zerolog.Nop()}
}

// NewAuditLog opens (or creates) the audit file at path.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return newAuditLog(file, file), nil
}

func newAuditLog(w io.Writer, closer io.Closer) *AuditLog {
	return &AuditLog{
		logger: zerolog.New(w).With().Timestamp().Logger(),
		closer: closer,
	}
}

// Record writes the event. When ctx carries a recording span the event is
// also added to it.
func (a *AuditLog) Record(ctx context.Context, event AuditEvent) {
	var traceID string
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if traceID != "" {
		entry = entry.Str("trace_id", traceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// RecordTool audits one tool execution.
func (a *AuditLog) RecordTool(ctx context.Context, conversationID, tool string, success bool, duration time.Duration) {
	a.Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    conversationID,
		Action:   "execute:" + tool,
		Status:   statusLabel(success),
		Metadata: map[string]any{"duration_ms": duration.Milliseconds()},
	})
}

// RecordRun audits a finished run.
func (a *AuditLog) RecordRun(ctx context.Context, conversationID, state string, success bool, toolCalls int) {
	a.Record(ctx, AuditEvent{
		Type:     "run",
		Actor:    conversationID,
		Action:   "run:" + state,
		Status:   statusLabel(success),
		Metadata: map[string]any{"tool_calls": toolCalls},
	})
}

// Close closes the audit file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}
