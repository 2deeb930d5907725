package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicVersion is sent as the anthropic-version header.
const AnthropicVersion = "2023-06-01"

func anthropicMessages(req Request) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.System})
	}

	var (
		msgs        []anthropic.MessageParam
		toolResults []anthropic.ContentBlockParamUnion
	)
	flushResults := func() {
		if len(toolResults) > 0 {
			msgs = append(msgs, anthropic.NewUserMessage(toolResults...))
			toolResults = nil
		}
	}

	for _, m := range req.Messages {
		if m.Role == RoleTool {
			toolResults = append(toolResults, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
			continue
		}
		flushResults()

		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc), tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flushResults()

	return system, msgs
}

func toolInput(tc ToolCall) any {
	if json.Valid([]byte(tc.Arguments)) {
		return json.RawMessage(tc.Arguments)
	}
	return tc.ArgumentsMap()
}

func anthropicBody(model string, req Request, maxTokens int) ([]byte, error) {
	system, msgs := anthropicMessages(req)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		System:    system,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, len(req.Tools))
		for i, t := range req.Tools {
			schema := schemaOrEmpty(t.Parameters)
			tools[i] = anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   requiredFields(schema["required"]),
				},
			}}
		}
		params.Tools = tools
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}
	return body, nil
}

func requiredFields(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, s := range r {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func parseAnthropic(body []byte) (*Response, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	out := &Response{Model: string(msg.Model)}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" || args == "null" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Text = text.String()
	return out, nil
}

func streamAnthropic(resp *http.Response, onDelta func(string)) (string, error) {
	stream := ssestream.NewStream[anthropic.MessageStreamEventUnion](ssestream.NewDecoder(resp), nil)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		ev := stream.Current()
		if ev.Type == "message_stop" {
			break
		}
		if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			sb.WriteString(ev.Delta.Text)
			onDelta(ev.Delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return sb.String(), fmt.Errorf("anthropic stream: %w", err)
	}
	return sb.String(), nil
}
