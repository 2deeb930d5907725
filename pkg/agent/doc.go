// Package agent runs conversation turns: a tool-calling loop over a model
// client, with hooks, compaction and a streamed output.
//
// Invariants:
// - Turns are serialized per conversation lane through commandqueue.
// - Every stream ends with exactly one final item followed by one terminal status.
// - Concatenated delta items equal the final text.
// - The end hook runs for every started turn, even after cancellation.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{Model: client, Tools: tools})
//	for item := range runner.Run(ctx, agent.RunInput{
//		ConversationID: "telegram:42",
//		Content:        "hello",
//	}) {
//		_ = item
//	}
package agent
