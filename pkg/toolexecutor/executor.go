package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/ranya-agent/internal/observability"
	"github.com/harun/ranya-agent/internal/tracing"
	"github.com/harun/ranya-agent/pkg/agent"
	"github.com/harun/ranya-agent/pkg/llm"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 10 * 1024

	truncationMarker = "\n... [output truncated]"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
	// Timeout overrides the executor timeout for this tool.
	Timeout time.Duration `json:"-"`
}

// ToolHandler is the function signature for tool execution. Strings are
// passed to the model as-is; other values are JSON encoded.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Config configures a ToolExecutor.
type Config struct {
	Logger zerolog.Logger
	// Policy limits which registered tools are offered and run. Nil allows all.
	Policy *ToolPolicy
	// Timeout bounds each execution. Zero uses DefaultTimeout.
	Timeout time.Duration
	// MaxOutput is the output size limit in bytes. Zero uses DefaultMaxOutput.
	MaxOutput int
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools     map[string]*ToolDefinition
	schemas   map[string]*gojsonschema.Schema
	params    map[string]map[string]any
	policy    *ToolPolicy
	timeout   time.Duration
	maxOutput int
	logger    zerolog.Logger
	mu        sync.RWMutex
}

var _ agent.ToolExecutor = (*ToolExecutor)(nil)

// New creates a new ToolExecutor
func New(cfg Config) *ToolExecutor {
	observability.EnsureRegistered()

	te := &ToolExecutor{
		tools:     make(map[string]*ToolDefinition),
		schemas:   make(map[string]*gojsonschema.Schema),
		params:    make(map[string]map[string]any),
		policy:    cfg.Policy,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		logger:    cfg.Logger.With().Str("component", "toolexecutor").Logger(),
	}
	if te.timeout <= 0 {
		te.timeout = DefaultTimeout
	}
	if te.maxOutput <= 0 {
		te.maxOutput = DefaultMaxOutput
	}
	te.policy.Validate(te.logger)

	return te
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := parameterSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool %q is already registered", def.Name)
	}
	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.params[def.Name] = schemaMap

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
	delete(te.params, name)

	te.logger.Debug().Str("tool", name).Msg("Tool unregistered")
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// Definitions returns the tools the policy allows, in the form offered to
// the model.
func (te *ToolExecutor) Definitions() []llm.ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(te.tools))
	for name, tool := range te.tools {
		if !te.policy.IsToolAllowed(name) {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        name,
			Description: tool.Description,
			Parameters:  te.params[name],
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs
}

// Execute runs a tool call. Every failure, including a panicking handler,
// is reported in the result.
func (te *ToolExecutor) Execute(ctx context.Context, req agent.ToolRequest) agent.ToolResult {
	startTime := time.Now()
	ctx, span := tracing.StartSpan(ctx, "ranya.toolexecutor", "tool.execute",
		attribute.String("tool", req.Name),
	)
	logger := tracing.LoggerFromContext(ctx, te.logger).With().
		Str("tool", req.Name).
		Str("tool_call_id", req.ID).
		Logger()

	result := te.execute(ctx, req, logger)
	result.ID, result.Name = req.ID, req.Name

	duration := time.Since(startTime)
	observability.RecordToolExecution(req.Name, duration, result.Success)
	if !result.Success {
		span.SetAttributes(attribute.String("tool.error", result.Error))
	}
	span.End()

	return result
}

func (te *ToolExecutor) execute(ctx context.Context, req agent.ToolRequest, logger zerolog.Logger) agent.ToolResult {
	if !te.policy.IsToolAllowed(req.Name) {
		logger.Warn().Msg("Tool execution blocked by policy")
		return agent.ToolResult{Error: fmt.Sprintf("tool '%s' is not allowed by agent policy", req.Name)}
	}

	te.mu.RLock()
	tool := te.tools[req.Name]
	schema := te.schemas[req.Name]
	te.mu.RUnlock()

	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return agent.ToolResult{Error: fmt.Sprintf("tool not found: %s", req.Name)}
	}

	params := req.Args
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(schema, params); err != nil {
		logger.Debug().Err(err).Msg("Parameter validation failed")
		return agent.ToolResult{Error: fmt.Sprintf("parameter validation failed: %v", err)}
	}

	timeout := te.timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	timeoutCtx = ContextWithExecContext(timeoutCtx, &ExecutionContext{
		ConversationID: req.ConversationID,
		ToolCallID:     req.ID,
		Timeout:        timeout,
	})

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := tool.Handler(timeoutCtx, params)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			logger.Warn().Dur("timeout", timeout).Msg("Tool execution timeout")
			return agent.ToolResult{Error: fmt.Sprintf("tool execution timeout after %v", timeout)}
		}
		if out.err != nil {
			logger.Debug().Err(out.err).Msg("Tool execution failed")
			return agent.ToolResult{Error: out.err.Error()}
		}

		output, err := renderOutput(out.value)
		if err != nil {
			return agent.ToolResult{Error: fmt.Sprintf("failed to encode tool output: %v", err)}
		}
		output, truncated := truncateOutput(output, te.maxOutput)
		if truncated {
			logger.Debug().Int("limit", te.maxOutput).Msg("Output truncated")
		}
		return agent.ToolResult{Success: true, Output: output}

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return agent.ToolResult{Error: fmt.Sprintf("tool execution cancelled: %v", ctx.Err())}
		}
		logger.Warn().Dur("timeout", timeout).Msg("Tool execution timeout")
		return agent.ToolResult{Error: fmt.Sprintf("tool execution timeout after %v", timeout)}
	}
}

var validParameterTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParameterTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// parameterSchema builds the JSON Schema object for a tool's parameters.
func parameterSchema(def ToolDefinition) map[string]any {
	properties := make(map[string]any, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func renderOutput(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// truncateOutput cuts output to at most limit bytes on a rune boundary.
func truncateOutput(output string, limit int) (string, bool) {
	if len(output) <= limit {
		return output, false
	}
	cut := limit
	for cut > 0 && !utf8RuneStart(output[cut]) {
		cut--
	}
	return output[:cut] + truncationMarker, true
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
