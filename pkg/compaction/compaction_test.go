package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-agent/pkg/llm"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func history(n, size int) []llm.Message {
	msgs := make([]llm.Message, n)
	for i := range msgs {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		prefix := fmt.Sprintf("msg-%02d ", i)
		msgs[i] = llm.Message{Role: role, Content: prefix + strings.Repeat("x", size-len(prefix))}
	}
	return msgs
}

func testOptions(s Summarizer) Options {
	opts := DefaultOptions()
	opts.Summarizer = s
	opts.Now = func() time.Time { return fixedNow }
	return opts
}

func TestNeedsCompaction(t *testing.T) {
	opts := testOptions(nil)

	t.Run("should trigger above threshold with enough messages", func(t *testing.T) {
		assert.True(t, NeedsCompaction(history(30, 2000), opts))
	})

	t.Run("should not trigger below threshold", func(t *testing.T) {
		assert.False(t, NeedsCompaction(history(30, 100), opts))
	})

	t.Run("should not trigger with few messages even when huge", func(t *testing.T) {
		assert.False(t, NeedsCompaction(history(10, 50000), opts))
	})
}

func TestCompactIncremental(t *testing.T) {
	t.Run("should leave small histories alone", func(t *testing.T) {
		msgs := history(5, 100)
		res, err := CompactIncremental(context.Background(), msgs, State{}, testOptions(nil))
		require.NoError(t, err)

		assert.False(t, res.Compacted)
		assert.Equal(t, msgs, res.Messages)
		assert.Equal(t, TierNone, res.Tier)
		assert.Equal(t, res.OriginalTokens, res.CompactedTokens)
	})

	t.Run("should fold overflow into rolling summary via summarizer", func(t *testing.T) {
		var prompt string
		s := SummarizerFunc(func(ctx context.Context, p string) (string, error) {
			prompt = p
			return "User wants a report. Tool search returned 3 hits.", nil
		})

		msgs := history(30, 2000)
		res, err := CompactIncremental(context.Background(), msgs, State{}, testOptions(s))
		require.NoError(t, err)

		require.True(t, res.Compacted)
		assert.Equal(t, TierRolling, res.Tier)
		require.Len(t, res.Messages, 12)

		assert.Equal(t, llm.RoleUser, res.Messages[0].Role)
		assert.Contains(t, res.Messages[0].Content, "20 earlier messages compacted")
		assert.Contains(t, res.Messages[0].Content, "[rolling]\nUser wants a report.")
		assert.NotContains(t, res.Messages[0].Content, "[archival]")
		assert.Equal(t, llm.RoleAssistant, res.Messages[1].Role)
		assert.Equal(t, msgs[20:], res.Messages[2:])

		assert.Equal(t, 20, res.State.CompactedMessageCount)
		assert.Equal(t, fixedNow, res.State.LastCompactedAt)
		assert.Less(t, res.CompactedTokens, res.OriginalTokens)

		assert.Contains(t, prompt, "decisions")
		assert.Contains(t, prompt, "unresolved")
		assert.Contains(t, prompt, "characters omitted", "long overflow messages are shortened before summarizing")
		assert.NotContains(t, prompt, "msg-20", "recent messages are not summarized")
	})

	t.Run("should fall back to bullets when summarizer fails", func(t *testing.T) {
		s := SummarizerFunc(func(ctx context.Context, p string) (string, error) {
			return "", errors.New("provider down")
		})

		res, err := CompactIncremental(context.Background(), history(30, 2000), State{}, testOptions(s))
		require.NoError(t, err)

		require.True(t, res.Compacted)
		rolling := res.State.RollingSummary
		assert.True(t, strings.HasPrefix(rolling, "- user: msg-00"))
		assert.Contains(t, rolling, "more messages omitted")
		assert.LessOrEqual(t, len(rolling), fallbackMaxChars+40)
	})

	t.Run("should fall back without summarizer", func(t *testing.T) {
		res, err := CompactIncremental(context.Background(), history(14, 4000), State{}, testOptions(nil))
		require.NoError(t, err)

		require.True(t, res.Compacted)
		assert.Equal(t, 4, res.State.CompactedMessageCount)
		assert.Equal(t, 4, strings.Count(res.State.RollingSummary, "\n")+1)
	})

	t.Run("should extend existing state", func(t *testing.T) {
		var prompt string
		s := SummarizerFunc(func(ctx context.Context, p string) (string, error) {
			prompt = p
			return "merged", nil
		})
		prev := State{RollingSummary: "earlier facts", CompactedMessageCount: 7}

		res, err := CompactIncremental(context.Background(), history(30, 2000), prev, testOptions(s))
		require.NoError(t, err)

		assert.Contains(t, prompt, "earlier facts")
		assert.Equal(t, 27, res.State.CompactedMessageCount)
		assert.Contains(t, res.Messages[0].Content, "27 earlier messages compacted")
	})

	t.Run("should promote large rolling summary to archival", func(t *testing.T) {
		var calls atomic.Int32
		s := SummarizerFunc(func(ctx context.Context, p string) (string, error) {
			if calls.Add(1) == 1 {
				return strings.Repeat("long summary ", 1000), nil
			}
			assert.Contains(t, p, "final conclusions only")
			return "conclusions", nil
		})

		res, err := CompactIncremental(context.Background(), history(30, 2000), State{}, testOptions(s))
		require.NoError(t, err)

		assert.Equal(t, TierArchival, res.Tier)
		assert.Equal(t, "conclusions", res.State.ArchivalSummary)
		assert.Empty(t, res.State.RollingSummary)
		assert.Contains(t, res.Messages[0].Content, "[archival]\nconclusions")
		assert.NotContains(t, res.Messages[0].Content, "[rolling]")
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("should order archival before rolling", func(t *testing.T) {
		s := SummarizerFunc(func(ctx context.Context, p string) (string, error) {
			return "new rolling", nil
		})
		prev := State{ArchivalSummary: "old archive", CompactedMessageCount: 40}

		res, err := CompactIncremental(context.Background(), history(30, 2000), prev, testOptions(s))
		require.NoError(t, err)

		content := res.Messages[0].Content
		assert.Less(t, strings.Index(content, "[archival]"), strings.Index(content, "[rolling]"))
		assert.Equal(t, "old archive", res.State.ArchivalSummary)
	})

	t.Run("should be idempotent on its own output", func(t *testing.T) {
		s := SummarizerFunc(func(ctx context.Context, p string) (string, error) {
			return "summary", nil
		})
		opts := testOptions(s)
		opts.Threshold = 100

		first, err := CompactIncremental(context.Background(), history(30, 2000), State{}, opts)
		require.NoError(t, err)
		require.True(t, first.Compacted)

		second, err := CompactIncremental(context.Background(), first.Messages, first.State, opts)
		require.NoError(t, err)

		assert.False(t, second.Compacted)
		assert.Equal(t, first.Messages, second.Messages)
		assert.Equal(t, first.State, second.State)
		assert.False(t, NeedsCompaction(first.Messages, opts))
	})

	t.Run("should replace prior summary pair on later compaction", func(t *testing.T) {
		s := SummarizerFunc(func(ctx context.Context, p string) (string, error) {
			return "summary", nil
		})
		opts := testOptions(s)

		first, err := CompactIncremental(context.Background(), history(30, 2000), State{}, opts)
		require.NoError(t, err)

		grown := append(append([]llm.Message{}, first.Messages...), history(5, 8000)...)
		second, err := CompactIncremental(context.Background(), grown, first.State, opts)
		require.NoError(t, err)

		require.True(t, second.Compacted)
		assert.Equal(t, 25, second.State.CompactedMessageCount)
		assert.Len(t, second.Messages, 12)
		assert.Equal(t, 1, strings.Count(second.Messages[0].Content, "[Conversation summary:"))
	})

	t.Run("should keep tool calls with their results", func(t *testing.T) {
		msgs := history(14, 4000)
		msgs[3] = llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "read_file", Arguments: `{"path":"a.txt"}`}}}
		msgs[4] = llm.Message{Role: llm.RoleTool, ToolCallID: "call_1", ToolName: "read_file", Content: strings.Repeat("r", 4000)}

		res, err := CompactIncremental(context.Background(), msgs, State{}, testOptions(nil))
		require.NoError(t, err)

		require.True(t, res.Compacted)
		assert.Equal(t, 3, res.State.CompactedMessageCount)
		require.Len(t, res.Messages, 2+11)
		assert.Equal(t, llm.RoleAssistant, res.Messages[2].Role)
		require.Len(t, res.Messages[2].ToolCalls, 1)
		assert.Equal(t, "call_1", res.Messages[2].ToolCalls[0].ID)
		assert.Equal(t, llm.RoleTool, res.Messages[3].Role)
		assert.Equal(t, "call_1", res.Messages[3].ToolCallID)
	})

	t.Run("should not compact when only tool results would overflow", func(t *testing.T) {
		msgs := history(11, 5000)
		msgs[0] = llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "list_dir"}}}
		msgs[1] = llm.Message{Role: llm.RoleTool, ToolCallID: "call_1", Content: strings.Repeat("r", 5000)}

		res, err := CompactIncremental(context.Background(), msgs, State{}, testOptions(nil))
		require.NoError(t, err)

		assert.False(t, res.Compacted)
		assert.Equal(t, msgs, res.Messages)
	})

	t.Run("should honor cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := CompactIncremental(ctx, history(30, 2000), State{}, testOptions(nil))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFallbackRolling_CountsCharacters(t *testing.T) {
	msgs := make([]llm.Message, 8)
	for i := range msgs {
		msgs[i] = llm.Message{Role: llm.RoleUser, Content: strings.Repeat("你", 200)}
	}

	out := fallbackRolling("", msgs)

	assert.NotContains(t, out, "omitted")
	assert.Equal(t, 8, strings.Count(out, "\n")+1)
}

func TestCompressMessage(t *testing.T) {
	short := llm.Message{Role: llm.RoleUser, Content: strings.Repeat("a", 500)}
	assert.Equal(t, short, compressMessage(short))

	long := llm.Message{Role: llm.RoleTool, Content: strings.Repeat("h", 400) + strings.Repeat("m", 600) + strings.Repeat("t", 100)}
	out := compressMessage(long)

	assert.True(t, strings.HasPrefix(out.Content, strings.Repeat("h", 400)+"\n"))
	assert.True(t, strings.HasSuffix(out.Content, "\n"+strings.Repeat("t", 100)))
	assert.Contains(t, out.Content, "600 characters omitted")
	assert.NotContains(t, out.Content, "mmm")
}

func TestSummaryMessages(t *testing.T) {
	assert.Nil(t, SummaryMessages(State{}))

	msgs := SummaryMessages(State{RollingSummary: "r", ArchivalSummary: "a", CompactedMessageCount: 3})
	require.Len(t, msgs, 2)
	assert.Equal(t, "[Conversation summary: 3 earlier messages compacted]\n\n[archival]\na\n\n[rolling]\nr", msgs[0].Content)
}
