// ABOUTME: SQLite-backed local history cache for conversations and messages.
// ABOUTME: Write-through from the controllers; read for offline viewing and warm starts.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/skillswap/chat-client/internal/wire"
)

// Cache is a local, best-effort mirror of what the backend has already told
// us. It never overrides network results; controllers merge cached rows with
// the same dedup-by-id ascending-order rules they apply to fetched pages.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the cache database at path. Parent directories are
// created if needed; the schema is created automatically.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	// WAL keeps the UI responsive while writes trickle in
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	c := &Cache{db: db, logger: logger}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("history cache opened", "path", path)
	return c, nil
}

// createSchema creates the cache tables if they do not exist.
func (c *Cache) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		participant_name TEXT NOT NULL,
		last_message_at TEXT NOT NULL,
		last_message_preview TEXT NOT NULL,
		unread_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		read_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, created_at);
	`

	_, err := c.db.Exec(schema)
	return err
}

// UpsertConversation stores or replaces one conversation summary.
func (c *Cache) UpsertConversation(ctx context.Context, s *wire.ConversationSummary) error {
	query := `
		INSERT INTO conversations (
			conversation_id, participant_id, participant_name,
			last_message_at, last_message_preview, unread_count
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			participant_id = excluded.participant_id,
			participant_name = excluded.participant_name,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			unread_count = excluded.unread_count
	`

	_, err := c.db.ExecContext(ctx, query,
		s.ID,
		s.OtherParticipant.ID,
		s.OtherParticipant.DisplayName,
		s.LastMessageAt.UTC().Format(time.RFC3339Nano),
		s.LastMessagePreview,
		s.UnreadCount,
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

// Conversations returns all cached summaries, newest activity first.
func (c *Cache) Conversations(ctx context.Context) ([]wire.ConversationSummary, error) {
	query := `
		SELECT conversation_id, participant_id, participant_name,
		       last_message_at, last_message_preview, unread_count
		FROM conversations
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var summaries []wire.ConversationSummary
	for rows.Next() {
		var s wire.ConversationSummary
		var lastAt string
		if err := rows.Scan(&s.ID, &s.OtherParticipant.ID, &s.OtherParticipant.DisplayName,
			&lastAt, &s.LastMessagePreview, &s.UnreadCount); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		if s.LastMessageAt, err = time.Parse(time.RFC3339Nano, lastAt); err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
	})
	return summaries, nil
}

// SaveMessage stores or replaces one message. A replace never clears an
// already-set read_at: readAt only transitions nil -> timestamp.
func (c *Cache) SaveMessage(ctx context.Context, m *wire.Message) error {
	var readAt any
	if m.ReadAt != nil {
		readAt = m.ReadAt.UTC().Format(time.RFC3339Nano)
	}

	query := `
		INSERT INTO messages (message_id, conversation_id, sender_id, body, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			body = excluded.body,
			read_at = COALESCE(excluded.read_at, messages.read_at)
	`

	_, err := c.db.ExecContext(ctx, query,
		m.ID,
		m.ConversationID,
		m.SenderID,
		m.Body,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		readAt,
	)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// MarkConversationRead sets read_at on every unread message in the
// conversation sent by selfID. Monotonic: already-read rows are untouched.
func (c *Cache) MarkConversationRead(ctx context.Context, conversationID, selfID string, readAt time.Time) error {
	query := `
		UPDATE messages SET read_at = ?
		WHERE conversation_id = ? AND sender_id = ? AND read_at IS NULL
	`

	_, err := c.db.ExecContext(ctx, query,
		readAt.UTC().Format(time.RFC3339Nano), conversationID, selfID)
	if err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest cached messages for a
// conversation, in ascending createdAt order (ties broken by id).
func (c *Cache) RecentMessages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error) {
	query := `
		SELECT message_id, conversation_id, sender_id, body, created_at, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, message_id DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []wire.Message
	for rows.Next() {
		var m wire.Message
		var createdAt string
		var readAt sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if readAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, readAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing read_at: %w", err)
			}
			m.ReadAt = &t
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Query returned newest first; flip into feed order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
