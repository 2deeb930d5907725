package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext adds trace_id, run_id and conversation_id to logger
// when they are present on ctx.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	f := FromContext(ctx)
	if f.TraceID == "" && f.RunID == "" && f.ConversationID == "" {
		return logger
	}

	lc := logger.With()
	if f.TraceID != "" {
		lc = lc.Str("trace_id", f.TraceID)
	}
	if f.RunID != "" {
		lc = lc.Str("run_id", f.RunID)
	}
	if f.ConversationID != "" {
		lc = lc.Str("conversation_id", f.ConversationID)
	}
	return lc.Logger()
}
