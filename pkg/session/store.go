package session

import (
	"context"
	"time"

	"github.com/harun/ranya-agent/pkg/agent"
)

// Store is a conversation store the agent runner and the CLI can share.
type Store interface {
	agent.ConversationStore
	ListConversations(ctx context.Context) ([]string, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	// LastActivity reports when the conversation was last written.
	LastActivity(ctx context.Context, conversationID string) (time.Time, error)
	Close() error
}

var (
	_ Store = (*SessionManager)(nil)
)
