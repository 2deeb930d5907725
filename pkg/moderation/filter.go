// Package moderation blocks prompts and tool calls that contain configured
// keywords or patterns. It plugs into the hook manager.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/ranya-agent/pkg/agent"
	"github.com/harun/ranya-agent/pkg/hooks"
)

// Config lists what the filter blocks.
type Config struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// ContentFilter checks content against configured keywords and patterns.
type ContentFilter struct {
	enabled  bool
	keywords []string
	patterns []*regexp.Regexp
}

// New creates a new content filter.
func New(cfg Config) (*ContentFilter, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &ContentFilter{
		enabled:  cfg.Enabled,
		keywords: cfg.BlockedKeywords,
		patterns: patterns,
	}, nil
}

// Check returns an error if text contains blocked content.
func (f *ContentFilter) Check(text string) error {
	if f == nil || !f.enabled {
		return nil
	}

	normalized := strings.ToLower(text)
	for _, kw := range f.keywords {
		if kw != "" && strings.Contains(normalized, strings.ToLower(kw)) {
			return fmt.Errorf("contains blocked keyword: %s", kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(text) {
			return fmt.Errorf("matches blocked pattern #%d", i+1)
		}
	}
	return nil
}

// Register installs the filter on m: blocked prompts abort the run and
// blocked tool arguments block the call.
func (f *ContentFilter) Register(m *hooks.Manager) {
	if f == nil || !f.enabled {
		return
	}

	m.OnBeforeAgentStart(func(ctx context.Context, ev agent.StartEvent) (agent.StartDecision, error) {
		if err := f.Check(ev.Content); err != nil {
			return agent.StartDecision{Abort: true, Reason: "prompt " + err.Error()}, nil
		}
		return agent.StartDecision{}, nil
	})

	m.OnBeforeToolCall(func(ctx context.Context, ev agent.ToolCallEvent) (agent.ToolCallDecision, error) {
		args, err := json.Marshal(ev.Call.Args)
		if err != nil {
			return agent.ToolCallDecision{}, nil
		}
		if err := f.Check(string(args)); err != nil {
			return agent.ToolCallDecision{Block: true, Reason: "arguments " + err.Error()}, nil
		}
		return agent.ToolCallDecision{}, nil
	})
}
