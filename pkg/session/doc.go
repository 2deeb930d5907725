// Package session persists conversation history and compaction state.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Writes for the same conversation are serialized.
// - Compaction state is replaced atomically and never appended.
//
// Usage:
//
//	mgr, _ := session.New("/tmp/ranya/sessions", logger)
//	_ = mgr.AppendMessages(ctx, "telegram:1", llm.Message{Role: llm.RoleUser, Content: "hello"})
//	history, _ := mgr.LoadHistory(ctx, "telegram:1")
//	_ = history
package session
