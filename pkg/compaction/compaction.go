package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/ranya-agent/internal/observability"
	"github.com/harun/ranya-agent/internal/tracing"
	"github.com/harun/ranya-agent/pkg/llm"
)

const (
	DefaultThreshold         = 12000
	DefaultKeepRecent        = 10
	DefaultArchivalThreshold = 2000

	longMessageChars = 500
	keepHeadChars    = 400
	keepTailChars    = 100

	fallbackMaxChars      = 2000
	fallbackLineChars     = 200
	archivalFallbackChars = 1600
)

// ErrSummarizerUnavailable is returned by summarizers that cannot serve a
// request; the engine falls back to a deterministic summary.
var ErrSummarizerUnavailable = errors.New("summarizer unavailable")

// Tier names the deepest summary level touched by a compaction.
type Tier string

const (
	TierNone     Tier = ""
	TierRolling  Tier = "rolling"
	TierArchival Tier = "archival"
)

// Summarizer turns a prompt into a summary.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, prompt string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// State is the per-conversation compaction record.
type State struct {
	RollingSummary        string    `json:"rollingSummary"`
	ArchivalSummary       string    `json:"archivalSummary"`
	CompactedMessageCount int       `json:"compactedMessageCount"`
	LastCompactedAt       time.Time `json:"lastCompactedAt"`
}

func (s State) hasSummary() bool {
	return s.RollingSummary != "" || s.ArchivalSummary != ""
}

// Options tunes compaction. Zero fields take the defaults.
type Options struct {
	Threshold         int
	KeepRecent        int
	ArchivalThreshold int
	Estimator         Estimator
	Summarizer        Summarizer
	Logger            zerolog.Logger
	Now               func() time.Time
}

// DefaultOptions returns the default options without a summarizer.
func DefaultOptions() Options {
	return Options{
		Threshold:         DefaultThreshold,
		KeepRecent:        DefaultKeepRecent,
		ArchivalThreshold: DefaultArchivalThreshold,
		Estimator:         NewHeuristicEstimator(),
		Logger:            zerolog.Nop(),
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = d.KeepRecent
	}
	if o.ArchivalThreshold <= 0 {
		o.ArchivalThreshold = d.ArchivalThreshold
	}
	if o.Estimator == nil {
		o.Estimator = d.Estimator
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Result is the outcome of CompactIncremental.
type Result struct {
	Messages        []llm.Message
	Compacted       bool
	OriginalTokens  int
	CompactedTokens int
	State           State
	Tier            Tier
}

// NeedsCompaction reports whether messages exceed the token threshold and
// hold more conversation messages than are kept verbatim.
func NeedsCompaction(messages []llm.Message, opts Options) bool {
	opts = opts.withDefaults()
	_, body := splitSummary(messages)
	return len(body) > opts.KeepRecent && opts.Estimator.EstimateMessages(messages) > opts.Threshold
}

// CompactIncremental folds the oldest messages into the rolling summary,
// promotes an oversized rolling summary into the archival summary and
// returns the summary pair followed by the most recent messages verbatim.
//
// A summary pair produced by an earlier call is recognized at the head
// of messages and replaced rather than summarized again, provided state
// still carries the summaries.
func CompactIncremental(ctx context.Context, messages []llm.Message, state State, opts Options) (Result, error) {
	opts = opts.withDefaults()

	original := opts.Estimator.EstimateMessages(messages)
	res := Result{
		Messages:        messages,
		OriginalTokens:  original,
		CompactedTokens: original,
		State:           state,
	}

	head, body := splitSummary(messages)
	if len(head) > 0 && !state.hasSummary() {
		body = messages
	}
	if len(body) <= opts.KeepRecent || original <= opts.Threshold {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	split := safeSplit(body, len(body)-opts.KeepRecent)
	if split == 0 {
		return res, nil
	}

	ctx, span := tracing.StartSpan(ctx, "ranya.compaction", "compaction.incremental",
		attribute.Int("compaction.messages", len(messages)),
		attribute.Int("compaction.tokens", original),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, opts.Logger)

	overflow, tail := body[:split], body[split:]

	compressed := make([]llm.Message, len(overflow))
	for i, m := range overflow {
		compressed[i] = compressMessage(m)
	}

	next := state
	tier := TierRolling

	rolling, source := summarizeRolling(ctx, opts, logger, state.RollingSummary, compressed)
	next.RollingSummary = rolling
	observability.RecordCompaction(string(TierRolling), source, len(overflow))

	if opts.Estimator.EstimateText(next.RollingSummary) > opts.ArchivalThreshold {
		archival, source := summarizeArchival(ctx, opts, logger, state.ArchivalSummary, next.RollingSummary)
		next.ArchivalSummary = archival
		next.RollingSummary = ""
		tier = TierArchival
		observability.RecordCompaction(string(TierArchival), source, 0)
	}

	next.CompactedMessageCount += len(overflow)
	next.LastCompactedAt = opts.Now()

	out := make([]llm.Message, 0, len(tail)+2)
	out = append(out, SummaryMessages(next)...)
	out = append(out, tail...)

	res.Messages = out
	res.Compacted = true
	res.CompactedTokens = opts.Estimator.EstimateMessages(out)
	res.State = next
	res.Tier = tier

	logger.Info().
		Int("overflow", len(overflow)).
		Int("kept", len(tail)).
		Int("originalTokens", res.OriginalTokens).
		Int("compactedTokens", res.CompactedTokens).
		Str("tier", string(tier)).
		Msg("conversation compacted")

	return res, nil
}

// safeSplit moves split back until the tail does not start with a tool
// result, so a tool call always stays with its results.
func safeSplit(body []llm.Message, split int) int {
	for split > 0 && body[split].Role == llm.RoleTool {
		split--
	}
	return split
}

// SummaryMessages renders state as the synthetic user/assistant pair that
// leads a compacted history. It returns nil when state has no summary.
func SummaryMessages(state State) []llm.Message {
	if !state.hasSummary() {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, summaryHeader, state.CompactedMessageCount)
	if state.ArchivalSummary != "" {
		sb.WriteString("\n\n" + archivalSection + "\n" + state.ArchivalSummary)
	}
	if state.RollingSummary != "" {
		sb.WriteString("\n\n" + rollingSection + "\n" + state.RollingSummary)
	}

	return []llm.Message{
		{Role: llm.RoleUser, Content: sb.String()},
		{Role: llm.RoleAssistant, Content: acknowledgement},
	}
}

// splitSummary separates a leading summary pair from the conversation.
func splitSummary(messages []llm.Message) (head, body []llm.Message) {
	if len(messages) >= 2 &&
		messages[0].Role == llm.RoleUser &&
		strings.HasPrefix(messages[0].Content, "[Conversation summary: ") &&
		messages[1].Role == llm.RoleAssistant &&
		messages[1].Content == acknowledgement {
		return messages[:2], messages[2:]
	}
	return nil, messages
}

// compressMessage shortens long bodies to their first 400 and last 100
// characters around an omission marker.
func compressMessage(m llm.Message) llm.Message {
	runes := []rune(m.Content)
	if len(runes) <= longMessageChars {
		return m
	}
	omitted := len(runes) - keepHeadChars - keepTailChars
	m.Content = fmt.Sprintf("%s\n[... %d characters omitted ...]\n%s",
		string(runes[:keepHeadChars]), omitted, string(runes[len(runes)-keepTailChars:]))
	return m
}

func summarizeRolling(ctx context.Context, opts Options, logger zerolog.Logger, existing string, msgs []llm.Message) (string, string) {
	if opts.Summarizer != nil {
		prompt := fmt.Sprintf(rollingPrompt, orNone(existing), formatTranscript(msgs))
		summary, err := opts.Summarizer.Summarize(ctx, prompt)
		if err == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary), "model"
		}
		logger.Warn().Err(err).Msg("rolling summary failed, using fallback")
	}
	return fallbackRolling(existing, msgs), "fallback"
}

func summarizeArchival(ctx context.Context, opts Options, logger zerolog.Logger, archival, rolling string) (string, string) {
	if opts.Summarizer != nil {
		prompt := fmt.Sprintf(archivalPrompt, orNone(archival), rolling)
		summary, err := opts.Summarizer.Summarize(ctx, prompt)
		if err == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary), "model"
		}
		logger.Warn().Err(err).Msg("archival summary failed, using fallback")
	}
	return fallbackArchival(archival, rolling), "fallback"
}

// fallbackRolling appends one bullet per message to the existing summary.
// The new bullets are capped at 2000 characters.
func fallbackRolling(existing string, msgs []llm.Message) string {
	var sb strings.Builder
	chars := 0
	for i, m := range msgs {
		line := "- " + describe(m)
		n := utf8.RuneCountInString(line) + 1
		if chars+n > fallbackMaxChars {
			fmt.Fprintf(&sb, "- ... %d more messages omitted", len(msgs)-i)
			break
		}
		sb.WriteString(line + "\n")
		chars += n
	}

	bullets := strings.TrimRight(sb.String(), "\n")
	if existing == "" {
		return bullets
	}
	return existing + "\n" + bullets
}

// fallbackArchival keeps the newest part of the combined summaries, where
// the latest conclusions live.
func fallbackArchival(archival, rolling string) string {
	combined := strings.TrimSpace(archival + "\n" + rolling)
	runes := []rune(combined)
	if len(runes) <= archivalFallbackChars {
		return combined
	}
	return "... " + string(runes[len(runes)-archivalFallbackChars:])
}

func describe(m llm.Message) string {
	content := oneLine(m.Content)
	switch {
	case m.Role == llm.RoleTool && m.ToolName != "":
		content = m.ToolName + " -> " + content
	case len(m.ToolCalls) > 0:
		names := make([]string, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			names[i] = tc.Name
		}
		content = strings.TrimSpace(content + " [called " + strings.Join(names, ", ") + "]")
	}
	runes := []rune(content)
	if len(runes) > fallbackLineChars {
		content = string(runes[:fallbackLineChars]) + "..."
	}
	return string(m.Role) + ": " + content
}

func formatTranscript(msgs []llm.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch {
		case m.Role == llm.RoleTool:
			fmt.Fprintf(&sb, "tool %s result: %s\n", m.ToolName, m.Content)
		case len(m.ToolCalls) > 0:
			if m.Content != "" {
				fmt.Fprintf(&sb, "assistant: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&sb, "assistant called %s(%s)\n", tc.Name, tc.Arguments)
			}
		default:
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return noneYet
	}
	return s
}
