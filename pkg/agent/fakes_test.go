package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-agent/pkg/compaction"
	"github.com/harun/ranya-agent/pkg/llm"
)

// scriptedModel answers requests from a fixed list of responses.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []llm.Request
	streamed  bool
	// block makes calls wait for ctx to end.
	block bool
	delay time.Duration
}

func (m *scriptedModel) next(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	block, delay := m.block, m.delay
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return &llm.Response{Text: "done"}, nil
	}
	return m.responses[i], nil
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.Request, _ time.Duration) (*llm.Response, error) {
	return m.next(ctx, req)
}

func (m *scriptedModel) Stream(ctx context.Context, req llm.Request, _ time.Duration, onDelta func(string)) (*llm.Response, error) {
	m.mu.Lock()
	m.streamed = true
	m.mu.Unlock()

	resp, err := m.next(ctx, req)
	if err != nil {
		return nil, err
	}
	for text := resp.Text; text != ""; {
		n := 5
		if n > len(text) {
			n = len(text)
		}
		onDelta(text[:n])
		text = text[n:]
	}
	return resp, nil
}

func (m *scriptedModel) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// fakeTools records executions and answers with result.
type fakeTools struct {
	mu     sync.Mutex
	calls  []ToolRequest
	result func(ToolRequest) ToolResult
}

func (f *fakeTools) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{
		Name:        "echo",
		Description: "Echo text back",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	}}
}

func (f *fakeTools) Execute(_ context.Context, req ToolRequest) ToolResult {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.result != nil {
		return f.result(req)
	}
	text, _ := req.Args["text"].(string)
	return ToolResult{Success: true, Output: "echo: " + text}
}

func (f *fakeTools) Calls() []ToolRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ToolRequest(nil), f.calls...)
}

// recordingHooks steers runs with fixed decisions and records events.
type recordingHooks struct {
	mu       sync.Mutex
	start    StartDecision
	startErr error
	block    map[string]string
	args     map[string]any
	after    []ToolResultEvent
	ended    []Outcome
}

func (h *recordingHooks) BeforeAgentStart(context.Context, StartEvent) (StartDecision, error) {
	return h.start, h.startErr
}

func (h *recordingHooks) BeforeToolCall(_ context.Context, ev ToolCallEvent) (ToolCallDecision, error) {
	if reason, ok := h.block[ev.Call.Name]; ok {
		return ToolCallDecision{Block: true, Reason: reason}, nil
	}
	return ToolCallDecision{Args: h.args}, nil
}

func (h *recordingHooks) AfterToolCall(_ context.Context, ev ToolResultEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, ev)
	return nil
}

func (h *recordingHooks) AgentEnd(_ context.Context, outcome Outcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, outcome)
	return nil
}

func (h *recordingHooks) Ended() []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Outcome(nil), h.ended...)
}

// memoryStore keeps conversations in memory.
type memoryStore struct {
	mu       sync.Mutex
	messages map[string][]llm.Message
	states   map[string]compaction.State
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		messages: make(map[string][]llm.Message),
		states:   make(map[string]compaction.State),
	}
}

func (s *memoryStore) LoadHistory(_ context.Context, id string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.messages[id]...), nil
}

func (s *memoryStore) AppendMessages(_ context.Context, id string, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = append(s.messages[id], msgs...)
	return nil
}

func (s *memoryStore) LoadCompactionState(_ context.Context, id string) (compaction.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id], nil
}

func (s *memoryStore) SaveCompactionState(_ context.Context, id string, state compaction.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = state
	return nil
}

func collect(t *testing.T, ch <-chan StreamItem) []StreamItem {
	t.Helper()
	var items []StreamItem
	timeout := time.After(5 * time.Second)
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return items
			}
			items = append(items, item)
		case <-timeout:
			t.Fatal("stream did not close")
			return nil
		}
	}
}

func ofKind(items []StreamItem, kind ItemKind) []StreamItem {
	var out []StreamItem
	for _, it := range items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

// requireWellFormed checks the stream ends with one final and one
// terminal status, and that the deltas add up to the final text.
func requireWellFormed(t *testing.T, items []StreamItem, status Status) string {
	t.Helper()
	require.GreaterOrEqual(t, len(items), 2)

	last := items[len(items)-1]
	require.Equal(t, KindStatus, last.Kind)
	require.Equal(t, status, last.Status)
	require.Equal(t, KindFinal, items[len(items)-2].Kind)
	require.Len(t, ofKind(items, KindFinal), 1)

	var deltas strings.Builder
	for _, d := range ofKind(items, KindDelta) {
		deltas.WriteString(d.Text)
	}
	final := items[len(items)-2].Text
	if status == StatusDone {
		require.Equal(t, final, deltas.String())
	} else {
		require.True(t, strings.HasPrefix(final, deltas.String()))
	}
	return final
}
