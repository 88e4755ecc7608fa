// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations to a local SQLite database so the
// transcript survives restarts. The in-memory chat.Store remains the source
// of truth while the process runs; this package loads it at startup and is
// written through on every settled turn.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/morganforge/chatrelay/internal/chat"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned when loading a conversation that is not persisted.
var ErrNotFound = errors.New("conversation not persisted")

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationMeta is the listing row: conversation identity without the
// message bodies.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Pinned       bool      `json:"pinned"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// ConversationStore handles persistence to SQLite.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore opens (or creates) the database under dataDir.
func NewConversationStore(dataDir string) (*ConversationStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "conversations.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &ConversationStore{db: db}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// initialize creates the schema if missing.
func (s *ConversationStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save upserts a conversation and rewrites its messages. In-flight
// (streaming) messages are skipped; only settled content is persisted.
func (s *ConversationStore) Save(conv *chat.Conversation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, provider, model, pinned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			pinned = excluded.pinned,
			updated_at = excluded.updated_at`,
		conv.ID, conv.Title, conv.Provider, conv.Model, boolToInt(conv.Pinned),
		conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	// Messages are rewritten wholesale; seq preserves transcript order.
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, conversation_id, seq, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	seq := 0
	for _, msg := range conv.Messages {
		if msg.IsStreaming {
			continue
		}
		if _, err := stmt.Exec(msg.ID, conv.ID, seq, msg.Role.String(), msg.Content, msg.Timestamp.UTC()); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		seq++
	}

	return tx.Commit()
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load reads one conversation with its full transcript.
func (s *ConversationStore) Load(id string) (*chat.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, title, provider, model, pinned, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	if err := s.loadMessages(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// LoadAll reads every persisted conversation, most recently updated first.
func (s *ConversationStore) LoadAll() ([]*chat.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, provider, model, pinned, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*chat.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, conv := range out {
		if err := s.loadMessages(conv); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// List returns conversation metadata, most recently updated first.
func (s *ConversationStore) List() ([]ConversationMeta, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.title, c.provider, c.model, c.pinned, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c ORDER BY c.pinned DESC, c.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationMeta
	for rows.Next() {
		var m ConversationMeta
		var pinned int
		if err := rows.Scan(&m.ID, &m.Title, &m.Provider, &m.Model, &pinned, &m.UpdatedAt, &m.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		m.Pinned = pinned != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// Search returns metadata for conversations whose title or message content
// matches the query.
func (s *ConversationStore) Search(query string) ([]ConversationMeta, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT DISTINCT c.id, c.title, c.provider, c.model, c.pinned, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.title LIKE ? OR m.content LIKE ?
		ORDER BY c.updated_at DESC`, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationMeta
	for rows.Next() {
		var m ConversationMeta
		var pinned int
		if err := rows.Scan(&m.ID, &m.Title, &m.Provider, &m.Model, &pinned, &m.UpdatedAt, &m.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		m.Pinned = pinned != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// loadMessages fills a conversation's transcript in stored order.
func (s *ConversationStore) loadMessages(conv *chat.Conversation) error {
	rows, err := s.db.Query(`
		SELECT id, role, content, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY seq`, conv.ID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, role, content string
		var ts time.Time
		if err := rows.Scan(&id, &role, &content, &ts); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, &chat.Message{
			ID:             id,
			ConversationID: conv.ID,
			Role:           chat.Role(role),
			Content:        content,
			Timestamp:      ts,
		})
	}
	return rows.Err()
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a conversation and its messages.
func (s *ConversationStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	// Cascade is not guaranteed unless foreign keys are enabled per
	// connection, so messages are removed explicitly.
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every conversation and message.
func (s *ConversationStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanConversation reads one conversation header row.
func scanConversation(row scanner) (*chat.Conversation, error) {
	var conv chat.Conversation
	var pinned int
	err := row.Scan(&conv.ID, &conv.Title, &conv.Provider, &conv.Model, &pinned, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	conv.Pinned = pinned != 0
	conv.Messages = make([]*chat.Message, 0)
	return &conv, nil
}

// boolToInt converts a bool to its SQLite integer form.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
