package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-agent/pkg/compaction"
	"github.com/harun/ranya-agent/pkg/llm"
)

func TestModelSummarizer(t *testing.T) {
	t.Run("should report unavailable without a model", func(t *testing.T) {
		_, err := ModelSummarizer{}.Summarize(context.Background(), "prompt")
		assert.ErrorIs(t, err, compaction.ErrSummarizerUnavailable)
	})

	t.Run("should send the prompt as a user message", func(t *testing.T) {
		model := &scriptedModel{responses: []*llm.Response{{Text: "  - summary  \n"}}}

		got, err := ModelSummarizer{Model: model}.Summarize(context.Background(), "summarize this")

		require.NoError(t, err)
		assert.Equal(t, "- summary", got)
		reqs := model.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, summarizerSystemPrompt, reqs[0].System)
		assert.Equal(t, "summarize this", reqs[0].Messages[0].Content)
		assert.Empty(t, reqs[0].Tools)
	})

	t.Run("should surface model errors", func(t *testing.T) {
		model := &scriptedModel{errs: []error{assert.AnError}}

		_, err := ModelSummarizer{Model: model}.Summarize(context.Background(), "x")

		assert.ErrorIs(t, err, assert.AnError)
	})
}
