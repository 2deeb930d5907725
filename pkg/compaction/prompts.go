package compaction

const rollingPrompt = `You maintain a running summary of a conversation between a user and an AI assistant.
Merge the new messages into the existing summary. Always keep:
- decisions that were made
- tool calls and their outcomes
- user preferences and constraints
- errors that are still unresolved
Drop greetings and repetition. Keep the summary under about 800 tokens.
Reply with the updated summary only.

Existing summary:
%s

New messages:
%s`

const archivalPrompt = `Compress the conversation summary below into final conclusions only.
Keep settled decisions, durable user preferences and facts still needed later.
Use at most 400 tokens. Reply with the compressed summary only.

Earlier archive:
%s

Summary to archive:
%s`

const (
	summaryHeader   = "[Conversation summary: %d earlier messages compacted]"
	archivalSection = "[archival]"
	rollingSection  = "[rolling]"
	acknowledgement = "Understood. I have the summary of our earlier conversation and will continue from there."
	noneYet         = "(none)"
)
