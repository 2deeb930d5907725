// Package sqlitestore keeps conversations in a single SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/ranya-agent/internal/observability"
	"github.com/harun/ranya-agent/pkg/compaction"
	"github.com/harun/ranya-agent/pkg/llm"
	"github.com/harun/ranya-agent/pkg/session"
)

const backendName = "sqlite"

// Store implements session.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

var _ session.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and runs migrations.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "sqlitestore").Logger(),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.logger.Debug().Str("path", dbPath).Msg("SQLite store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		is_error INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	);

	CREATE TABLE IF NOT EXISTS compaction_state (
		conversation_id TEXT PRIMARY KEY,
		rolling_summary TEXT NOT NULL DEFAULT '',
		archival_summary TEXT NOT NULL DEFAULT '',
		compacted_count INTEGER NOT NULL DEFAULT 0,
		last_compacted_at INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) observe(op string) func() {
	start := time.Now()
	return func() {
		observability.RecordStoreOperation(backendName, op, time.Since(start))
	}
}

// AppendMessages appends messages in one transaction.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, msgs ...llm.Message) error {
	defer s.observe("append")()

	if err := session.ValidateKey(conversationID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	now := s.now().UnixMilli()
	for _, m := range msgs {
		if m.Role == "" {
			return fmt.Errorf("message role cannot be empty")
		}
		toolCalls := ""
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		next++
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, next, string(m.Role), m.Content, toolCalls, m.ToolCallID, m.ToolName, m.IsError, now,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

// LoadHistory returns the stored messages of a conversation in order.
func (s *Store) LoadHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	defer s.observe("load")()

	if err := session.ValidateKey(conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_calls, tool_call_id, tool_name, is_error
		 FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []llm.Message{}
	for rows.Next() {
		var (
			m         llm.Message
			role      string
			toolCalls string
		)
		if err := rows.Scan(&role, &m.Content, &toolCalls, &m.ToolCallID, &m.ToolName, &m.IsError); err != nil {
			return nil, err
		}
		m.Role = llm.Role(role)
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
				s.logger.Warn().Str("session_key", conversationID).Err(err).Msg("Dropping unreadable tool calls")
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LoadCompactionState returns the saved state, or the zero state.
func (s *Store) LoadCompactionState(ctx context.Context, conversationID string) (compaction.State, error) {
	defer s.observe("load_state")()

	if err := session.ValidateKey(conversationID); err != nil {
		return compaction.State{}, err
	}

	var (
		state         compaction.State
		lastCompacted int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT rolling_summary, archival_summary, compacted_count, last_compacted_at
		 FROM compaction_state WHERE conversation_id = ?`, conversationID,
	).Scan(&state.RollingSummary, &state.ArchivalSummary, &state.CompactedMessageCount, &lastCompacted)
	if errors.Is(err, sql.ErrNoRows) {
		return compaction.State{}, nil
	}
	if err != nil {
		return compaction.State{}, err
	}
	if lastCompacted > 0 {
		state.LastCompactedAt = time.UnixMilli(lastCompacted)
	}
	return state, nil
}

// SaveCompactionState replaces the state.
func (s *Store) SaveCompactionState(ctx context.Context, conversationID string, state compaction.State) error {
	defer s.observe("save_state")()

	if err := session.ValidateKey(conversationID); err != nil {
		return err
	}

	var lastCompacted int64
	if !state.LastCompactedAt.IsZero() {
		lastCompacted = state.LastCompactedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compaction_state (conversation_id, rolling_summary, archival_summary, compacted_count, last_compacted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
			rolling_summary = excluded.rolling_summary,
			archival_summary = excluded.archival_summary,
			compacted_count = excluded.compacted_count,
			last_compacted_at = excluded.last_compacted_at`,
		conversationID, state.RollingSummary, state.ArchivalSummary, state.CompactedMessageCount, lastCompacted,
	)
	return err
}

// ListConversations returns every conversation with stored messages.
func (s *Store) ListConversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conversation_id FROM messages ORDER BY conversation_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteConversation removes messages and compaction state.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	defer s.observe("delete")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM compaction_state WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// LastActivity returns the time of the newest stored message.
func (s *Store) LastActivity(ctx context.Context, conversationID string) (time.Time, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&last); err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, fmt.Errorf("conversation %s not found", conversationID)
	}
	return time.UnixMilli(last.Int64), nil
}
