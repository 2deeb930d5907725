package agent

import (
	"context"
	"strings"
	"time"

	"github.com/harun/ranya-agent/pkg/compaction"
	"github.com/harun/ranya-agent/pkg/llm"
)

// ModelClient is the model transport used by the loop. *llm.Client
// satisfies it.
type ModelClient interface {
	Complete(ctx context.Context, req llm.Request, timeout time.Duration) (*llm.Response, error)
	Stream(ctx context.Context, req llm.Request, timeout time.Duration, onDelta func(string)) (*llm.Response, error)
}

// ConversationStore persists conversation history and compaction state.
type ConversationStore interface {
	LoadHistory(ctx context.Context, conversationID string) ([]llm.Message, error)
	AppendMessages(ctx context.Context, conversationID string, msgs ...llm.Message) error
	LoadCompactionState(ctx context.Context, conversationID string) (compaction.State, error)
	SaveCompactionState(ctx context.Context, conversationID string, state compaction.State) error
}

const summarizerSystemPrompt = "You write faithful, compact summaries of conversations. Never invent facts."

// ModelSummarizer produces compaction summaries with the same model client
// the loop uses, in plain chat mode.
type ModelSummarizer struct {
	Model   ModelClient
	Timeout time.Duration
}

func (s ModelSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	if s.Model == nil {
		return "", compaction.ErrSummarizerUnavailable
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = ChatModeTimeout
	}

	resp, err := s.Model.Complete(ctx, llm.Request{
		System:   summarizerSystemPrompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	}, timeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(StripToolMarkers(resp.Text)), nil
}
