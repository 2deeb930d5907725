// Package compaction keeps a conversation inside a token budget.
//
// Old messages are folded into a rolling summary; when that summary grows
// too large it is compressed into an archival summary. The compacted
// history is a synthetic user message carrying both summaries, an
// assistant acknowledgement, and the most recent messages verbatim.
//
// Invariants:
//   - State.CompactedMessageCount never decreases.
//   - The most recent KeepRecent messages are never altered.
//   - Compacting an already compacted history with its state is a no-op.
package compaction
