package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/richinex/tally/llm"
)

const historySchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		message_index INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE,
		UNIQUE(session_id, message_index)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session
	ON messages(session_id, message_index);
`

type messageRow struct {
	Role       string  `db:"role"`
	Content    string  `db:"content"`
	ToolCalls  *string `db:"tool_calls"`
	ToolCallID *string `db:"tool_call_id"`
	ToolName   *string `db:"tool_name"`
}

// SqliteStorage persists chat history in a SQLite file. This is separate from
// the scripted query database, which is in-memory and read-only.
type SqliteStorage struct {
	db *sqlx.DB
}

// OpenSqlite opens or creates a history database at path, creating parent
// directories as needed.
func OpenSqlite(path string) (*SqliteStorage, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return newSqliteStorage(db)
}

// NewSqliteInMemory creates a history store that lives as long as the process.
func NewSqliteInMemory() (*SqliteStorage, error) {
	db, err := sqlx.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	return newSqliteStorage(db)
}

func newSqliteStorage(db *sqlx.DB) (*SqliteStorage, error) {
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SqliteStorage{db: db}, nil
}

// Close closes the database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

// Save replaces the history for a session in one transaction.
func (s *SqliteStorage) Save(ctx context.Context, sessionID string, history []llm.ChatMessage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id) VALUES (?)
		ON CONFLICT(session_id) DO UPDATE SET updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')`,
		sessionID)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to clear old messages: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO messages (session_id, message_index, role, content, tool_calls, tool_call_id, tool_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for i, msg := range history {
		row, err := toMessageRow(msg)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, sessionID, i, row.Role, row.Content, row.ToolCalls, row.ToolCallID, row.ToolName); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load returns the history in order, or an empty slice for unknown sessions.
func (s *SqliteStorage) Load(ctx context.Context, sessionID string) ([]llm.ChatMessage, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT role, content, tool_calls, tool_call_id, tool_name
		FROM messages WHERE session_id = ? ORDER BY message_index ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	messages := make([]llm.ChatMessage, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *SqliteStorage) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

// ListSessions returns session IDs, most recently updated first.
func (s *SqliteStorage) ListSessions(ctx context.Context) ([]string, error) {
	sessions := []string{}
	err := s.db.SelectContext(ctx, &sessions,
		"SELECT session_id FROM sessions ORDER BY updated_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return sessions, nil
}

func (s *SqliteStorage) Exists(ctx context.Context, sessionID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return count > 0, nil
}

func toMessageRow(msg llm.ChatMessage) (messageRow, error) {
	row := messageRow{Role: msg.Role, Content: msg.Content}
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return messageRow{}, fmt.Errorf("failed to encode tool calls: %w", err)
		}
		s := string(data)
		row.ToolCalls = &s
	}
	if msg.ToolCallID != "" {
		row.ToolCallID = &msg.ToolCallID
	}
	if msg.ToolName != "" {
		row.ToolName = &msg.ToolName
	}
	return row, nil
}

func (r messageRow) toMessage() (llm.ChatMessage, error) {
	msg := llm.ChatMessage{Role: r.Role, Content: r.Content}
	if r.ToolCalls != nil {
		if err := json.Unmarshal([]byte(*r.ToolCalls), &msg.ToolCalls); err != nil {
			return llm.ChatMessage{}, fmt.Errorf("failed to decode tool calls: %w", err)
		}
	}
	if r.ToolCallID != nil {
		msg.ToolCallID = *r.ToolCallID
	}
	if r.ToolName != nil {
		msg.ToolName = *r.ToolName
	}
	return msg, nil
}

var _ ConversationStorage = (*SqliteStorage)(nil)
