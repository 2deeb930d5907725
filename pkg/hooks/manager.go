package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/harun/ranya-agent/internal/tracing"
	"github.com/harun/ranya-agent/pkg/agent"
)

// Lifecycle events a hook can subscribe to.
const (
	EventBeforeAgentStart = "before_agent_start"
	EventBeforeToolCall   = "before_tool_call"
	EventAfterToolCall    = "after_tool_call"
	EventAgentEnd         = "agent_end"
)

const DefaultTimeout = 10 * time.Second

// Hook defines a shell script run for a lifecycle event.
type Hook struct {
	ID      string        `mapstructure:"id" json:"id"`
	Event   string        `mapstructure:"event" json:"event"`
	Script  string        `mapstructure:"script" json:"script"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	Enabled bool          `mapstructure:"enabled" json:"enabled"`
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
	// DefaultTimeout applies to scripts without their own timeout.
	DefaultTimeout time.Duration
}

type (
	StartHandler      func(ctx context.Context, ev agent.StartEvent) (agent.StartDecision, error)
	ToolCallHandler   func(ctx context.Context, ev agent.ToolCallEvent) (agent.ToolCallDecision, error)
	ToolResultHandler func(ctx context.Context, ev agent.ToolResultEvent) error
	EndHandler        func(ctx context.Context, outcome agent.Outcome) error
)

// Manager runs Go handlers and configured scripts for the agent
// lifecycle. Handlers run before scripts, each in registration order.
type Manager struct {
	enabled        bool
	logger         zerolog.Logger
	defaultTimeout time.Duration

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
	onStart      []StartHandler
	onToolCall   []ToolCallHandler
	onToolResult []ToolResultHandler
	onEnd        []EndHandler
}

var _ agent.HookRunner = (*Manager)(nil)

var knownEvents = map[string]bool{
	EventBeforeAgentStart: true,
	EventBeforeToolCall:   true,
	EventAfterToolCall:    true,
	EventAgentEnd:         true,
}

// IsKnownEvent reports whether event names a lifecycle event.
func IsKnownEvent(event string) bool {
	return knownEvents[event]
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:        cfg.Enabled,
		logger:         cfg.Logger.With().Str("component", "hooks").Logger(),
		defaultTimeout: cfg.DefaultTimeout,
		hooksByEvent:   make(map[string][]Hook),
	}
	if manager.defaultTimeout <= 0 {
		manager.defaultTimeout = DefaultTimeout
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if !knownEvents[event] {
			return nil, fmt.Errorf("unknown hook event %q", event)
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		hook.Event = event
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

func (m *Manager) OnBeforeAgentStart(h StartHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStart = append(m.onStart, h)
}

func (m *Manager) OnBeforeToolCall(h ToolCallHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToolCall = append(m.onToolCall, h)
}

func (m *Manager) OnAfterToolCall(h ToolResultHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToolResult = append(m.onToolResult, h)
}

func (m *Manager) OnAgentEnd(h EndHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = append(m.onEnd, h)
}

// BeforeAgentStart collects context to prepend from every hook. The first
// hook asking to abort wins; any failure is returned and aborts the run.
//
// Scripts may print {"prependContext": "...", "abort": bool, "reason": "..."}.
// Plain text output is taken as context.
func (m *Manager) BeforeAgentStart(ctx context.Context, ev agent.StartEvent) (agent.StartDecision, error) {
	m.mu.RLock()
	handlers := append([]StartHandler(nil), m.onStart...)
	m.mu.RUnlock()

	var contexts []string
	merge := func(d agent.StartDecision) (agent.StartDecision, bool) {
		if d.PrependContext != "" {
			contexts = append(contexts, d.PrependContext)
		}
		if d.Abort {
			return agent.StartDecision{Abort: true, Reason: d.Reason}, true
		}
		return agent.StartDecision{}, false
	}

	for _, h := range handlers {
		d, err := h(ctx, ev)
		if err != nil {
			return agent.StartDecision{}, err
		}
		if out, stop := merge(d); stop {
			return out, nil
		}
	}

	data := map[string]any{
		"conversation_id": ev.ConversationID,
		"content":         ev.Content,
	}
	for _, hook := range m.scripts(EventBeforeAgentStart) {
		out, err := m.executeHook(ctx, hook, data)
		if err != nil {
			return agent.StartDecision{}, err
		}
		if out, stop := merge(parseStartOutput(out)); stop {
			return out, nil
		}
	}

	return agent.StartDecision{PrependContext: strings.Join(contexts, "\n\n")}, nil
}

// BeforeToolCall asks every hook about a call. The first block wins.
// Argument rewrites chain: later hooks see the rewritten arguments.
//
// A script exiting non-zero blocks the call with its output as reason.
// Scripts may also print {"block": bool, "reason": "...", "params": {...}}.
func (m *Manager) BeforeToolCall(ctx context.Context, ev agent.ToolCallEvent) (agent.ToolCallDecision, error) {
	m.mu.RLock()
	handlers := append([]ToolCallHandler(nil), m.onToolCall...)
	m.mu.RUnlock()

	var (
		errs      []error
		rewritten map[string]any
	)
	for _, h := range handlers {
		d, err := h(ctx, ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.Block {
			return d, errors.Join(errs...)
		}
		if d.Args != nil {
			rewritten = d.Args
			ev.Call.Args = d.Args
		}
	}

	for _, hook := range m.scripts(EventBeforeToolCall) {
		data := toolCallData(ev.ConversationID, ev.Call)
		out, err := m.executeHook(ctx, hook, data)
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				reason := strings.TrimSpace(out)
				if reason == "" {
					reason = "blocked by hook " + hookID(hook)
				}
				return agent.ToolCallDecision{Block: true, Reason: reason}, errors.Join(errs...)
			}
			errs = append(errs, err)
			continue
		}
		d := parseToolCallOutput(out)
		if d.Block {
			return d, errors.Join(errs...)
		}
		if d.Args != nil {
			rewritten = d.Args
			ev.Call.Args = d.Args
		}
	}

	return agent.ToolCallDecision{Args: rewritten}, errors.Join(errs...)
}

// AfterToolCall runs every hook; failures are joined.
func (m *Manager) AfterToolCall(ctx context.Context, ev agent.ToolResultEvent) error {
	m.mu.RLock()
	handlers := append([]ToolResultHandler(nil), m.onToolResult...)
	m.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	data := toolCallData(ev.ConversationID, ev.Call)
	data["success"] = ev.Result.Success
	data["error"] = ev.Result.Error
	data["duration_ms"] = ev.Duration.Milliseconds()
	for _, hook := range m.scripts(EventAfterToolCall) {
		if _, err := m.executeHook(ctx, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// AgentEnd runs every hook; failures are joined.
func (m *Manager) AgentEnd(ctx context.Context, outcome agent.Outcome) error {
	m.mu.RLock()
	handlers := append([]EndHandler(nil), m.onEnd...)
	m.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}

	data := map[string]any{
		"conversation_id": outcome.ConversationID,
		"state":           string(outcome.State),
		"success":         outcome.Success,
		"tool_calls":      outcome.ToolCalls,
		"duration_ms":     outcome.Duration.Milliseconds(),
		"final":           finalText(outcome.Items),
	}
	if outcome.Err != nil {
		data["error"] = outcome.Err.Error()
	}
	for _, hook := range m.scripts(EventAgentEnd) {
		if _, err := m.executeHook(ctx, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) scripts(event string) []Hook {
	if m == nil || !m.enabled {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Hook(nil), m.hooksByEvent[event]...)
}

// executeHook runs a script and returns its stdout. On a non-zero exit the
// error wraps *exec.ExitError and the returned text is stdout, or stderr
// when stdout is empty.
func (m *Manager) executeHook(ctx context.Context, hook Hook, data map[string]any) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	id := hookID(hook)
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(hook.Event, data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	outputText := strings.TrimSpace(stdout.String())
	errText := strings.TrimSpace(stderr.String())

	logger := tracing.LoggerFromContext(ctx, m.logger).With().
		Str("event", hook.Event).
		Str("hook_id", id).
		Dur("duration", time.Since(start)).
		Logger()

	if err != nil {
		if outputText == "" {
			outputText = errText
		}
		logger.Debug().Err(err).Str("output", outputText).Msg("Hook failed")
		if outputText != "" {
			return outputText, fmt.Errorf("hook %s failed: %w: %s", id, err, outputText)
		}
		return "", fmt.Errorf("hook %s failed: %w", id, err)
	}

	if outputText != "" || errText != "" {
		logger.Debug().Str("output", outputText).Str("stderr", errText).Msg("Hook executed")
	}
	return outputText, nil
}

func hookID(hook Hook) string {
	if id := strings.TrimSpace(hook.ID); id != "" {
		return id
	}
	return hook.Event
}

func parseStartOutput(out string) agent.StartDecision {
	if out == "" {
		return agent.StartDecision{}
	}
	if !isJSONObject(out) {
		return agent.StartDecision{PrependContext: out}
	}
	res := gjson.Parse(out)
	return agent.StartDecision{
		PrependContext: res.Get("prependContext").String(),
		Abort:          res.Get("abort").Bool(),
		Reason:         res.Get("reason").String(),
	}
}

func parseToolCallOutput(out string) agent.ToolCallDecision {
	if !isJSONObject(out) {
		return agent.ToolCallDecision{}
	}
	res := gjson.Parse(out)
	d := agent.ToolCallDecision{
		Block:  res.Get("block").Bool(),
		Reason: res.Get("reason").String(),
	}
	if params := res.Get("params"); params.IsObject() {
		var args map[string]any
		if err := json.Unmarshal([]byte(params.Raw), &args); err == nil {
			d.Args = args
		}
	}
	return d
}

func isJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && gjson.Valid(s)
}

func toolCallData(conversationID string, call agent.ToolRequest) map[string]any {
	args, err := json.Marshal(call.Args)
	if err != nil {
		args = []byte("{}")
	}
	return map[string]any{
		"conversation_id": conversationID,
		"tool_name":       call.Name,
		"tool_call_id":    call.ID,
		"params":          string(args),
	}
}

func finalText(items []agent.StreamItem) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == agent.KindFinal {
			return items[i].Text
		}
	}
	return ""
}

func buildHookEnvironment(event string, data map[string]any) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "RANYA_HOOK_EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "RANYA_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+envValue(data[key]))
	}
	return env
}

func envValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
