// Package toolexecutor registers and executes structured tools for agents.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution.
// - Failures never escape as errors or panics; they become failed results.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Config{})
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
package toolexecutor
