package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-agent/pkg/agent"
)

func newManager(t *testing.T, hooks ...Hook) *Manager {
	t.Helper()
	for i := range hooks {
		hooks[i].Enabled = true
	}
	manager, err := NewManager(Config{Enabled: true, Logger: zerolog.Nop(), Hooks: hooks})
	require.NoError(t, err)
	return manager
}

func echoCall() agent.ToolCallEvent {
	return agent.ToolCallEvent{
		ConversationID: "telegram:1",
		Call:           agent.ToolRequest{ID: "c1", Name: "shell", Args: map[string]any{"cmd": "ls"}},
	}
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		hook    Hook
		wantErr string
	}{
		{name: "should require an event", hook: Hook{Script: "true", Enabled: true}, wantErr: "event is required"},
		{name: "should reject unknown events", hook: Hook{Event: "daemon:startup", Script: "true", Enabled: true}, wantErr: "unknown hook event"},
		{name: "should require a script", hook: Hook{Event: EventAgentEnd, Enabled: true}, wantErr: "script is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(Config{Enabled: true, Hooks: []Hook{tt.hook}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("should ignore disabled hooks", func(t *testing.T) {
		m, err := NewManager(Config{Enabled: true, Hooks: []Hook{{Event: "bogus"}}})
		require.NoError(t, err)
		assert.Empty(t, m.scripts("bogus"))
	})

	t.Run("should skip scripts when disabled", func(t *testing.T) {
		m, err := NewManager(Config{Enabled: false, Hooks: []Hook{{Event: EventAgentEnd, Script: "exit 1", Enabled: true}}})
		require.NoError(t, err)
		assert.NoError(t, m.AgentEnd(context.Background(), agent.Outcome{}))
	})
}

func TestManager_BeforeAgentStart(t *testing.T) {
	t.Run("should merge context from handlers and scripts", func(t *testing.T) {
		m := newManager(t, Hook{ID: "ctx", Event: EventBeforeAgentStart, Script: `echo '{"prependContext":"from script"}'`})
		m.OnBeforeAgentStart(func(context.Context, agent.StartEvent) (agent.StartDecision, error) {
			return agent.StartDecision{PrependContext: "from handler"}, nil
		})

		d, err := m.BeforeAgentStart(context.Background(), agent.StartEvent{ConversationID: "c", Content: "hi"})

		require.NoError(t, err)
		assert.False(t, d.Abort)
		assert.Equal(t, "from handler\n\nfrom script", d.PrependContext)
	})

	t.Run("should take plain output as context", func(t *testing.T) {
		m := newManager(t, Hook{Event: EventBeforeAgentStart, Script: `echo "today is $RANYA_HOOK_DATA_CONVERSATION_ID"`})

		d, err := m.BeforeAgentStart(context.Background(), agent.StartEvent{ConversationID: "c9"})

		require.NoError(t, err)
		assert.Equal(t, "today is c9", d.PrependContext)
	})

	t.Run("should abort when a script asks to", func(t *testing.T) {
		m := newManager(t, Hook{Event: EventBeforeAgentStart, Script: `echo '{"abort":true,"reason":"quiet hours"}'`})

		d, err := m.BeforeAgentStart(context.Background(), agent.StartEvent{})

		require.NoError(t, err)
		assert.True(t, d.Abort)
		assert.Equal(t, "quiet hours", d.Reason)
	})

	t.Run("should fail when a script fails", func(t *testing.T) {
		m := newManager(t, Hook{ID: "broken", Event: EventBeforeAgentStart, Script: "exit 3"})

		_, err := m.BeforeAgentStart(context.Background(), agent.StartEvent{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "hook broken failed")
	})

	t.Run("should stop at a failing handler", func(t *testing.T) {
		m := newManager(t)
		boom := errors.New("boom")
		called := false
		m.OnBeforeAgentStart(func(context.Context, agent.StartEvent) (agent.StartDecision, error) {
			return agent.StartDecision{}, boom
		})
		m.OnBeforeAgentStart(func(context.Context, agent.StartEvent) (agent.StartDecision, error) {
			called = true
			return agent.StartDecision{}, nil
		})

		_, err := m.BeforeAgentStart(context.Background(), agent.StartEvent{})

		assert.ErrorIs(t, err, boom)
		assert.False(t, called)
	})
}

func TestManager_BeforeToolCall(t *testing.T) {
	t.Run("should block on non-zero exit", func(t *testing.T) {
		m := newManager(t, Hook{ID: "guard", Event: EventBeforeToolCall, Script: `echo "shell is disabled"; exit 1`})

		d, err := m.BeforeToolCall(context.Background(), echoCall())

		require.NoError(t, err)
		assert.True(t, d.Block)
		assert.Equal(t, "shell is disabled", d.Reason)
	})

	t.Run("should name the hook when a block has no output", func(t *testing.T) {
		m := newManager(t, Hook{ID: "guard", Event: EventBeforeToolCall, Script: "exit 1"})

		d, err := m.BeforeToolCall(context.Background(), echoCall())

		require.NoError(t, err)
		assert.True(t, d.Block)
		assert.Equal(t, "blocked by hook guard", d.Reason)
	})

	t.Run("should pass call details to scripts", func(t *testing.T) {
		m := newManager(t, Hook{Event: EventBeforeToolCall, Script: `[ "$RANYA_HOOK_DATA_TOOL_NAME" = "shell" ] && [ "$RANYA_HOOK_DATA_PARAMS" = '{"cmd":"ls"}' ] || exit 1`})

		d, err := m.BeforeToolCall(context.Background(), echoCall())

		require.NoError(t, err)
		assert.False(t, d.Block)
	})

	t.Run("should rewrite params from script output", func(t *testing.T) {
		m := newManager(t, Hook{Event: EventBeforeToolCall, Script: `echo '{"params":{"cmd":"ls -la"}}'`})

		d, err := m.BeforeToolCall(context.Background(), echoCall())

		require.NoError(t, err)
		assert.False(t, d.Block)
		assert.Equal(t, map[string]any{"cmd": "ls -la"}, d.Args)
	})

	t.Run("should block from JSON output", func(t *testing.T) {
		m := newManager(t, Hook{Event: EventBeforeToolCall, Script: `echo '{"block":true,"reason":"nope"}'`})

		d, err := m.BeforeToolCall(context.Background(), echoCall())

		require.NoError(t, err)
		assert.True(t, d.Block)
		assert.Equal(t, "nope", d.Reason)
	})

	t.Run("should chain handler rewrites", func(t *testing.T) {
		m := newManager(t)
		m.OnBeforeToolCall(func(_ context.Context, ev agent.ToolCallEvent) (agent.ToolCallDecision, error) {
			return agent.ToolCallDecision{Args: map[string]any{"cmd": ev.Call.Args["cmd"].(string) + " -1"}}, nil
		})
		m.OnBeforeToolCall(func(_ context.Context, ev agent.ToolCallEvent) (agent.ToolCallDecision, error) {
			return agent.ToolCallDecision{Args: map[string]any{"cmd": ev.Call.Args["cmd"].(string) + " -a"}}, nil
		})

		d, err := m.BeforeToolCall(context.Background(), echoCall())

		require.NoError(t, err)
		assert.Equal(t, "ls -1 -a", d.Args["cmd"])
	})

	t.Run("should keep going after a failing handler", func(t *testing.T) {
		m := newManager(t)
		m.OnBeforeToolCall(func(context.Context, agent.ToolCallEvent) (agent.ToolCallDecision, error) {
			return agent.ToolCallDecision{}, errors.New("flaky")
		})
		m.OnBeforeToolCall(func(context.Context, agent.ToolCallEvent) (agent.ToolCallDecision, error) {
			return agent.ToolCallDecision{Block: true, Reason: "second says no"}, nil
		})

		d, err := m.BeforeToolCall(context.Background(), echoCall())

		assert.Error(t, err)
		assert.True(t, d.Block)
		assert.Equal(t, "second says no", d.Reason)
	})
}

func TestManager_AfterToolCall(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "after.txt")
	m := newManager(t, Hook{Event: EventAfterToolCall, Script: `echo "$RANYA_HOOK_EVENT:$RANYA_HOOK_DATA_TOOL_NAME:$RANYA_HOOK_DATA_SUCCESS" > ` + outputPath})

	var seen agent.ToolResultEvent
	m.OnAfterToolCall(func(_ context.Context, ev agent.ToolResultEvent) error {
		seen = ev
		return nil
	})

	ev := agent.ToolResultEvent{
		ConversationID: "c",
		Call:           agent.ToolRequest{ID: "c1", Name: "shell"},
		Result:         agent.ToolResult{ID: "c1", Name: "shell", Success: true, Output: "ok"},
		Duration:       time.Millisecond,
	}
	require.NoError(t, m.AfterToolCall(context.Background(), ev))

	assert.Equal(t, ev, seen)
	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "after_tool_call:shell:true\n", string(content))
}

func TestManager_AgentEnd(t *testing.T) {
	t.Run("should expose the final text", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "end.txt")
		m := newManager(t, Hook{Event: EventAgentEnd, Script: `echo "$RANYA_HOOK_DATA_STATE:$RANYA_HOOK_DATA_FINAL" > ` + outputPath})

		err := m.AgentEnd(context.Background(), agent.Outcome{
			ConversationID: "c",
			State:          agent.StateDone,
			Success:        true,
			Items:          []agent.StreamItem{agent.DeltaItem("hi"), agent.FinalItem("hi"), agent.StatusItem(agent.StatusDone)},
		})
		require.NoError(t, err)

		content, err := os.ReadFile(outputPath)
		require.NoError(t, err)
		assert.Equal(t, "done:hi\n", string(content))
	})

	t.Run("should join failures", func(t *testing.T) {
		m := newManager(t,
			Hook{ID: "fail-1", Event: EventAgentEnd, Script: "exit 2"},
			Hook{ID: "fail-2", Event: EventAgentEnd, Script: "exit 3"},
		)
		m.OnAgentEnd(func(context.Context, agent.Outcome) error { return errors.New("handler failed") })

		err := m.AgentEnd(context.Background(), agent.Outcome{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler failed")
		assert.Contains(t, err.Error(), "hook fail-1 failed")
		assert.Contains(t, err.Error(), "hook fail-2 failed")
	})
}

func TestManager_ScriptTimeout(t *testing.T) {
	m := newManager(t, Hook{ID: "slow", Event: EventAgentEnd, Script: "sleep 1", Timeout: 30 * time.Millisecond})

	err := m.AgentEnd(context.Background(), agent.Outcome{})

	require.Error(t, err)
	assert.True(t,
		strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "signal: killed"),
		"expected timeout-related error, got: %v",
		err,
	)
}

func TestNormalizeEnvKey(t *testing.T) {
	assert.Equal(t, "TOOL_CALL_ID", normalizeEnvKey("tool_call_id"))
	assert.Equal(t, "A_B", normalizeEnvKey(" a-b "))
	assert.Equal(t, "UNKNOWN", normalizeEnvKey(""))
}
