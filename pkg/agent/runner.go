package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/ranya-agent/internal/observability"
	"github.com/harun/ranya-agent/internal/tracing"
	"github.com/harun/ranya-agent/pkg/commandqueue"
	"github.com/harun/ranya-agent/pkg/compaction"
	"github.com/harun/ranya-agent/pkg/llm"
)

const (
	DefaultMaxToolCalls = 10
	ToolModeTimeout     = 120 * time.Second
	ChatModeTimeout     = 60 * time.Second
)

var (
	// ErrToolLimitExceeded ends a turn whose model kept requesting tools.
	ErrToolLimitExceeded = errors.New("tool call limit exceeded")
	// ErrAborted ends a turn stopped by a hook or by Abort.
	ErrAborted = errors.New("run aborted")
)

// Config holds runner configuration
type Config struct {
	Model ModelClient
	// Tools is optional; without it every turn runs in chat mode.
	Tools ToolExecutor
	Hooks HookRunner
	// Store is optional; without it RunInput.History is used.
	Store ConversationStore
	// Queue serializes turns per conversation. A private queue is created
	// when nil.
	Queue        *commandqueue.CommandQueue
	Compaction   compaction.Options
	SystemPrompt string
	MaxToolCalls int
	// Streaming forwards provider deltas as they arrive in chat mode.
	Streaming       bool
	ChunkSize       int
	ToolModeTimeout time.Duration
	ChatModeTimeout time.Duration
	Logger          zerolog.Logger
}

// Runner drives the tool-calling loop for conversation turns.
type Runner struct {
	model        ModelClient
	tools        ToolExecutor
	hooks        HookRunner
	store        ConversationStore
	queue        *commandqueue.CommandQueue
	ownsQueue    bool
	compaction   compaction.Options
	systemPrompt string
	maxToolCalls int
	streaming    bool
	chunkSize    int
	toolTimeout  time.Duration
	chatTimeout  time.Duration
	logger       zerolog.Logger

	runsMu     sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Model == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.MaxToolCalls < 0 {
		return nil, fmt.Errorf("max tool calls cannot be negative")
	}

	r := &Runner{
		model:        cfg.Model,
		tools:        cfg.Tools,
		hooks:        cfg.Hooks,
		store:        cfg.Store,
		queue:        cfg.Queue,
		compaction:   cfg.Compaction,
		systemPrompt: cfg.SystemPrompt,
		maxToolCalls: cfg.MaxToolCalls,
		streaming:    cfg.Streaming,
		chunkSize:    cfg.ChunkSize,
		toolTimeout:  cfg.ToolModeTimeout,
		chatTimeout:  cfg.ChatModeTimeout,
		logger:       cfg.Logger.With().Str("component", "agent").Logger(),
		activeRuns:   make(map[string]context.CancelFunc),
	}
	if r.hooks == nil {
		r.hooks = NopHooks{}
	}
	if r.queue == nil {
		r.queue = commandqueue.New(commandqueue.Config{Logger: cfg.Logger})
		r.ownsQueue = true
	}
	if r.maxToolCalls == 0 {
		r.maxToolCalls = DefaultMaxToolCalls
	}
	if r.chunkSize <= 0 {
		r.chunkSize = DefaultChunkSize
	}
	if r.toolTimeout <= 0 {
		r.toolTimeout = ToolModeTimeout
	}
	if r.chatTimeout <= 0 {
		r.chatTimeout = ChatModeTimeout
	}
	r.compaction.Logger = r.logger

	return r, nil
}

// Close releases the runner's private queue, cancelling running turns.
func (r *Runner) Close() {
	if r.ownsQueue {
		r.queue.Close()
	}
}

// Run starts a turn and returns its output stream. The channel is closed
// after the last item. Turns of one conversation run one after another;
// cancelling ctx stops the turn and the stream.
func (r *Runner) Run(ctx context.Context, in RunInput) <-chan StreamItem {
	out := make(chan StreamItem, 32)

	go func() {
		defer close(out)

		em := &emitter{ctx: ctx, out: out}
		lane := "conversation-" + in.ConversationID
		err := r.queue.Enqueue(ctx, lane, func(taskCtx context.Context) error {
			return r.runTurn(taskCtx, in, em)
		})
		if err != nil && !em.started && ctx.Err() == nil {
			em.send(FinalItem("Agent unavailable: " + err.Error()))
			em.send(StatusItem(StatusError))
		}
	}()

	return out
}

// Abort cancels the running turn of a conversation.
func (r *Runner) Abort(conversationID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, ok := r.activeRuns[conversationID]
	if !ok {
		r.logger.Debug().Str("conversation_id", conversationID).Msg("No active run to abort")
		return false
	}
	r.logger.Info().Str("conversation_id", conversationID).Msg("Aborting agent run")
	cancel()
	delete(r.activeRuns, conversationID)
	return true
}

// IsRunning reports whether a turn of the conversation is in progress.
func (r *Runner) IsRunning(conversationID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, ok := r.activeRuns[conversationID]
	return ok
}

func (r *Runner) runTurn(ctx context.Context, in RunInput, em *emitter) error {
	em.started = true
	start := time.Now()

	ctx = tracing.NewRunContext(ctx, in.ConversationID)
	ctx, span := tracing.StartSpan(ctx, "ranya.agent", "agent.run",
		attribute.String("conversation_id", in.ConversationID),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	r.activeRuns[in.ConversationID] = cancel
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, in.ConversationID)
		r.runsMu.Unlock()
	}()

	t := &turn{r: r, in: in, em: em, logger: logger, state: StateStarting}
	err := t.run(runCtx)

	t.setState(StateFinalizing)
	final := StateDone
	if err != nil {
		final = StateFailed
	}
	outcome := Outcome{
		ConversationID: in.ConversationID,
		State:          final,
		Success:        err == nil,
		Err:            err,
		Items:          append([]StreamItem(nil), em.items...),
		Duration:       time.Since(start),
		ToolCalls:      t.toolCalls,
	}
	if herr := r.hooks.AgentEnd(context.WithoutCancel(ctx), outcome); herr != nil {
		observability.RecordHookFailure("agent_end")
		logger.Warn().Err(herr).Msg("agent_end hook failed")
	}
	t.setState(final)

	observability.RecordAgentRun(string(final), outcome.Duration)
	span.SetAttributes(attribute.Int("agent.tool_calls", t.toolCalls))
	tracing.EndSpan(span, err)
	return err
}

// turn is the state of one run.
type turn struct {
	r      *Runner
	in     RunInput
	em     *emitter
	logger zerolog.Logger
	state  State

	messages    []llm.Message
	newMessages []llm.Message
	cstate      compaction.State
	compacted   bool

	notices   strings.Builder
	toolCalls int
}

func (t *turn) setState(s State) {
	if t.state == s {
		return
	}
	t.logger.Debug().Str("from", string(t.state)).Str("to", string(s)).Msg("run state")
	t.state = s
}

func (t *turn) run(ctx context.Context) error {
	r := t.r

	decision, err := r.hooks.BeforeAgentStart(ctx, StartEvent{ConversationID: t.in.ConversationID, Content: t.in.Content})
	if err != nil {
		observability.RecordHookFailure("before_agent_start")
		return t.fail(fmt.Sprintf("Run aborted by before_agent_start hook: %v", err), fmt.Errorf("%w: %v", ErrAborted, err))
	}
	if decision.Abort {
		reason := decision.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return t.fail("Run aborted: "+reason, ErrAborted)
	}

	system := r.systemPrompt
	if decision.PrependContext != "" {
		system = strings.TrimSpace(decision.PrependContext + "\n\n" + system)
	}

	if err := t.loadHistory(ctx); err != nil {
		return t.fail("Failed to load conversation history: "+err.Error(), err)
	}
	t.append(llm.Message{Role: llm.RoleUser, Content: t.in.Content})
	t.compact(ctx)

	if !t.em.send(StatusItem(StatusRunning)) {
		return t.cancelled(ctx)
	}
	t.setState(StateRunning)

	var tools []llm.ToolDefinition
	if r.tools != nil && !t.in.DisableTools {
		tools = r.tools.Definitions()
	}
	timeout := r.chatTimeout
	if len(tools) > 0 {
		timeout = r.toolTimeout
	}

	for {
		if ctx.Err() != nil {
			return t.cancelled(ctx)
		}

		req := llm.Request{System: system, Messages: t.messages, Tools: tools}
		w := newDeltaWriter(r.chunkSize, t.sendDelta)

		var resp *llm.Response
		if len(tools) == 0 && r.streaming {
			resp, err = r.model.Stream(ctx, req, timeout, func(d string) { w.Write(d) })
		} else {
			resp, err = r.model.Complete(ctx, req, timeout)
		}
		if err != nil {
			if ctx.Err() != nil {
				return t.cancelled(ctx)
			}
			t.logger.Error().Err(err).Msg("model call failed")
			return t.fail(llm.Describe(err), err)
		}

		if len(resp.ToolCalls) == 0 {
			if !(len(tools) == 0 && r.streaming) {
				w.Write(resp.Text)
			}
			if !w.Flush() {
				return t.cancelled(ctx)
			}
			return t.finish(ctx, w.Text())
		}

		// Text written alongside tool calls is shown as it comes and kept
		// in front of the final answer.
		if text := strings.TrimSpace(StripToolMarkers(resp.Text)); text != "" {
			if !w.Write(text+"\n\n") || !w.Flush() {
				return t.cancelled(ctx)
			}
			t.notices.WriteString(w.Text())
		}

		if t.toolCalls+len(resp.ToolCalls) > r.maxToolCalls {
			t.logger.Warn().Int("requested", len(resp.ToolCalls)).Int("used", t.toolCalls).Msg("tool call limit reached")
			return t.fail(fmt.Sprintf("Stopped: exceeded the maximum of %d tool calls for this turn.", r.maxToolCalls), ErrToolLimitExceeded)
		}
		t.toolCalls += len(resp.ToolCalls)

		calls := withIDs(resp.ToolCalls)
		t.append(llm.Message{Role: llm.RoleAssistant, Content: StripToolMarkers(resp.Text), ToolCalls: calls})

		t.setState(StateAwaitingToolResults)
		for _, call := range calls {
			if !t.runTool(ctx, call) {
				return t.cancelled(ctx)
			}
		}
		t.setState(StateRunning)
	}
}

// runTool executes one call. It returns false when the run must stop.
func (t *turn) runTool(ctx context.Context, call llm.ToolCall) bool {
	r := t.r
	req := ToolRequest{ID: call.ID, Name: call.Name, Args: call.ArgumentsMap(), ConversationID: t.in.ConversationID}
	logger := t.logger.With().Str("tool", call.Name).Str("tool_call_id", call.ID).Logger()

	decision, err := r.hooks.BeforeToolCall(ctx, ToolCallEvent{ConversationID: t.in.ConversationID, Call: req})
	if err != nil {
		observability.RecordHookFailure("before_tool_call")
		logger.Warn().Err(err).Msg("before_tool_call hook failed")
	}
	if decision.Block {
		reason := decision.Reason
		if reason == "" {
			reason = "blocked by policy"
		}
		logger.Info().Str("reason", reason).Msg("tool call blocked")

		notice := fmt.Sprintf("Tool %s was blocked: %s\n\n", call.Name, reason)
		t.notices.WriteString(notice)
		w := newDeltaWriter(r.chunkSize, t.sendDelta)
		if !w.Write(notice) || !w.Flush() {
			return false
		}
		// The provider still needs an answer for the call id.
		t.append(llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: call.Name, Content: "Tool call blocked: " + reason, IsError: true})
		return true
	}
	if decision.Args != nil {
		req.Args = decision.Args
	}

	if !t.em.send(ToolCallItem(req)) {
		return false
	}

	start := time.Now()
	var res ToolResult
	if r.tools == nil {
		res = ToolResult{Error: "no tool executor configured"}
	} else {
		res = r.tools.Execute(ctx, req)
	}
	res.ID, res.Name = req.ID, req.Name
	elapsed := time.Since(start)

	if err := r.hooks.AfterToolCall(ctx, ToolResultEvent{
		ConversationID: t.in.ConversationID,
		Call:           req,
		Result:         res,
		Duration:       elapsed,
	}); err != nil {
		observability.RecordHookFailure("after_tool_call")
		logger.Warn().Err(err).Msg("after_tool_call hook failed")
	}

	if !t.em.send(ToolResultItem(res)) {
		return false
	}
	logger.Debug().Bool("success", res.Success).Dur("duration", elapsed).Msg("tool executed")

	t.append(llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: call.Name, Content: res.content(), IsError: !res.Success})
	return true
}

func (t *turn) loadHistory(ctx context.Context) error {
	if t.r.store == nil {
		t.messages = append([]llm.Message(nil), t.in.History...)
		return nil
	}

	stored, err := t.r.store.LoadHistory(ctx, t.in.ConversationID)
	if err != nil {
		return err
	}
	state, err := t.r.store.LoadCompactionState(ctx, t.in.ConversationID)
	if err != nil {
		return err
	}

	n := state.CompactedMessageCount
	if n > len(stored) {
		t.logger.Warn().Int("compacted", n).Int("stored", len(stored)).Msg("compaction state ahead of history")
		n = len(stored)
	}
	t.cstate = state
	t.messages = append(compaction.SummaryMessages(state), stored[n:]...)
	return nil
}

func (t *turn) compact(ctx context.Context) {
	res, err := compaction.CompactIncremental(ctx, t.messages, t.cstate, t.r.compaction)
	if err != nil {
		t.logger.Warn().Err(err).Msg("compaction failed, sending full history")
		return
	}
	if !res.Compacted {
		return
	}
	t.messages = res.Messages
	t.cstate = res.State
	t.compacted = true
}

// append adds a message to the prompt and to what the turn persists.
func (t *turn) append(m llm.Message) {
	t.messages = append(t.messages, m)
	t.newMessages = append(t.newMessages, m)
}

func (t *turn) finish(ctx context.Context, answer string) error {
	t.append(llm.Message{Role: llm.RoleAssistant, Content: answer})
	t.persist(ctx, true)

	if !t.em.send(FinalItem(t.notices.String() + answer)) {
		return t.cancelled(ctx)
	}
	t.em.send(StatusItem(StatusDone))
	return nil
}

func (t *turn) fail(text string, err error) error {
	t.persist(context.Background(), false)
	t.em.send(FinalItem(t.notices.String() + text))
	t.em.send(StatusItem(StatusError))
	return err
}

func (t *turn) cancelled(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return t.fail("Run cancelled.", fmt.Errorf("%w: %w", ErrAborted, err))
}

// persist stores the turn. Messages are only kept for successful turns;
// compaction state is kept either way because it describes stored history.
func (t *turn) persist(ctx context.Context, success bool) {
	store := t.r.store
	if store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if success && len(t.newMessages) > 0 {
		if err := store.AppendMessages(ctx, t.in.ConversationID, t.newMessages...); err != nil {
			t.logger.Error().Err(err).Msg("failed to persist turn")
		}
	}
	if t.compacted {
		if err := store.SaveCompactionState(ctx, t.in.ConversationID, t.cstate); err != nil {
			t.logger.Error().Err(err).Msg("failed to persist compaction state")
		}
		t.compacted = false
	}
}

func (t *turn) sendDelta(chunk string) bool {
	return t.em.send(DeltaItem(chunk))
}

// withIDs fills in missing tool-call ids.
func withIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			id, err := gonanoid.New()
			if err != nil {
				id = fmt.Sprintf("%d", time.Now().UnixNano()+int64(i))
			}
			c.ID = "call_" + id
		}
		out[i] = c
	}
	return out
}

// emitter delivers items to the consumer and keeps a copy for the end
// hook. It stops delivering once the consumer's context ends.
type emitter struct {
	ctx     context.Context
	out     chan<- StreamItem
	items   []StreamItem
	started bool
}

func (e *emitter) send(item StreamItem) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.out <- item:
		e.items = append(e.items, item)
		return true
	case <-e.ctx.Done():
		return false
	}
}
