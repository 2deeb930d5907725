package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/ranya-agent/internal/observability"
	"github.com/harun/ranya-agent/internal/tracing"
	"github.com/harun/ranya-agent/pkg/compaction"
	"github.com/harun/ranya-agent/pkg/llm"
)

const (
	backendName = "jsonl"

	historySuffix = ".jsonl"
	stateSuffix   = ".compaction.json"
)

// Entry is one line of a conversation file.
type Entry struct {
	ConversationID string      `json:"sessionKey"`
	Message        llm.Message `json:"message"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Info describes a stored conversation.
type Info struct {
	ConversationID string
	Size           int64
	LastModified   time.Time
	MessageCount   int
}

// SessionManager persists conversations as JSONL files, one per
// conversation, with the compaction state in a JSON file next to it.
type SessionManager struct {
	sessionsDir string
	logger      zerolog.Logger
	now         func() time.Time

	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a new SessionManager
func New(sessionsDir string, logger zerolog.Logger) (*SessionManager, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".ranya", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	sm := &SessionManager{
		sessionsDir: sessionsDir,
		logger:      logger.With().Str("component", "session").Logger(),
		now:         time.Now,
		writeLocks:  make(map[string]*sync.Mutex),
	}

	sm.logger.Debug().Str("dir", sessionsDir).Msg("Session manager initialized")

	return sm, nil
}

// ValidateKey rejects conversation ids that are not safe as file names.
func ValidateKey(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(conversationID, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(conversationID, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(conversationID, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (sm *SessionManager) historyPath(conversationID string) string {
	return filepath.Join(sm.sessionsDir, conversationID+historySuffix)
}

func (sm *SessionManager) statePath(conversationID string) string {
	return filepath.Join(sm.sessionsDir, conversationID+stateSuffix)
}

func (sm *SessionManager) writeLock(conversationID string) *sync.Mutex {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()

	if lock, exists := sm.writeLocks[conversationID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	sm.writeLocks[conversationID] = lock
	return lock
}

// begin starts the span, logger and metric for one store operation.
func (sm *SessionManager) begin(ctx context.Context, op, conversationID string) (context.Context, zerolog.Logger, func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithConversationID(ctx, conversationID)
	ctx, span := tracing.StartSpan(ctx, "ranya.session", "session."+op,
		attribute.String("session_key", conversationID),
	)
	logger := tracing.LoggerFromContext(ctx, sm.logger)
	start := time.Now()

	return ctx, logger, func(err error) {
		observability.RecordStoreOperation(backendName, op, time.Since(start))
		tracing.EndSpan(span, err)
	}
}

// AppendMessages appends messages to a conversation, creating it when
// needed. The write is synced before returning.
func (sm *SessionManager) AppendMessages(ctx context.Context, conversationID string, msgs ...llm.Message) (err error) {
	_, logger, end := sm.begin(ctx, "append", conversationID)
	defer func() { end(err) }()

	if err := ValidateKey(conversationID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	var buf []byte
	now := sm.now()
	for _, m := range msgs {
		if m.Role == "" {
			return fmt.Errorf("message role cannot be empty")
		}
		data, err := json.Marshal(Entry{ConversationID: conversationID, Message: m, Timestamp: now})
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	lock := sm.writeLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(sm.historyPath(conversationID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger.Debug().Str("sessionKey", conversationID).Int("messages", len(msgs)).Msg("Messages appended")

	return nil
}

// LoadEntries reads a conversation file. Corrupt lines are skipped.
func (sm *SessionManager) LoadEntries(ctx context.Context, conversationID string) (entries []Entry, err error) {
	_, logger, end := sm.begin(ctx, "load", conversationID)
	defer func() { end(err) }()

	if err := ValidateKey(conversationID); err != nil {
		return nil, err
	}

	file, err := os.Open(sm.historyPath(conversationID))
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Str("sessionKey", conversationID).Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if entry.Message.Role == "" {
			logger.Warn().Str("sessionKey", conversationID).Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	return entries, nil
}

// LoadHistory returns the stored messages of a conversation in order.
func (sm *SessionManager) LoadHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	entries, err := sm.LoadEntries(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs, nil
}

// LoadCompactionState returns the saved state, or the zero state.
func (sm *SessionManager) LoadCompactionState(ctx context.Context, conversationID string) (state compaction.State, err error) {
	_, _, end := sm.begin(ctx, "load_state", conversationID)
	defer func() { end(err) }()

	if err := ValidateKey(conversationID); err != nil {
		return compaction.State{}, err
	}

	data, err := os.ReadFile(sm.statePath(conversationID))
	if errors.Is(err, os.ErrNotExist) {
		return compaction.State{}, nil
	}
	if err != nil {
		return compaction.State{}, fmt.Errorf("failed to read compaction state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return compaction.State{}, fmt.Errorf("failed to parse compaction state: %w", err)
	}
	return state, nil
}

// SaveCompactionState replaces the state atomically.
func (sm *SessionManager) SaveCompactionState(ctx context.Context, conversationID string, state compaction.State) (err error) {
	_, _, end := sm.begin(ctx, "save_state", conversationID)
	defer func() { end(err) }()

	if err := ValidateKey(conversationID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal compaction state: %w", err)
	}

	lock := sm.writeLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	return writeFileAtomic(sm.statePath(conversationID), data)
}

// DeleteConversation removes a conversation and its compaction state.
func (sm *SessionManager) DeleteConversation(ctx context.Context, conversationID string) (err error) {
	_, logger, end := sm.begin(ctx, "delete", conversationID)
	defer func() { end(err) }()

	if err := ValidateKey(conversationID); err != nil {
		return err
	}

	lock := sm.writeLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	for _, path := range []string{sm.historyPath(conversationID), sm.statePath(conversationID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete session file: %w", err)
		}
	}

	sm.locksMu.Lock()
	delete(sm.writeLocks, conversationID)
	sm.locksMu.Unlock()

	logger.Info().Str("sessionKey", conversationID).Msg("Session deleted")

	return nil
}

// ListConversations lists all stored conversations, sorted.
func (sm *SessionManager) ListConversations(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(sm.sessionsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	sessions := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, historySuffix) {
			sessions = append(sessions, strings.TrimSuffix(name, historySuffix))
		}
	}
	sort.Strings(sessions)

	return sessions, nil
}

// Info returns metadata about a conversation.
func (sm *SessionManager) Info(ctx context.Context, conversationID string) (Info, error) {
	if err := ValidateKey(conversationID); err != nil {
		return Info{}, err
	}

	stat, err := os.Stat(sm.historyPath(conversationID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, fmt.Errorf("session %s does not exist", conversationID)
		}
		return Info{}, fmt.Errorf("failed to stat session file: %w", err)
	}

	entries, err := sm.LoadEntries(ctx, conversationID)
	if err != nil {
		return Info{}, err
	}

	return Info{
		ConversationID: conversationID,
		Size:           stat.Size(),
		LastModified:   stat.ModTime(),
		MessageCount:   len(entries),
	}, nil
}

// LastActivity returns the modification time of the conversation file.
func (sm *SessionManager) LastActivity(ctx context.Context, conversationID string) (time.Time, error) {
	if err := ValidateKey(conversationID); err != nil {
		return time.Time{}, err
	}
	stat, err := os.Stat(sm.historyPath(conversationID))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat session file: %w", err)
	}
	return stat.ModTime(), nil
}

// RepairSession rewrites a conversation file without its corrupt lines.
func (sm *SessionManager) RepairSession(ctx context.Context, conversationID string) error {
	entries, err := sm.LoadEntries(ctx, conversationID)
	if err != nil {
		return err
	}

	var buf []byte
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	lock := sm.writeLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := writeFileAtomic(sm.historyPath(conversationID), buf); err != nil {
		return err
	}

	sm.logger.Info().Str("sessionKey", conversationID).Int("entries", len(entries)).Msg("Session repaired")

	return nil
}

// Close closes the session manager
func (sm *SessionManager) Close() error {
	sm.locksMu.Lock()
	sm.writeLocks = make(map[string]*sync.Mutex)
	sm.locksMu.Unlock()

	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}
