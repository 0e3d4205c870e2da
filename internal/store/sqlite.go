// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversation and message writes share one transaction for crash safety

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/parley/internal/message"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT PRIMARY KEY,
			status               TEXT NOT NULL,
			turn_count           INTEGER NOT NULL DEFAULT 0,
			last_phase           INTEGER NOT NULL DEFAULT 0,
			context_json         TEXT NOT NULL DEFAULT '{}',
			started_at           TEXT NOT NULL,
			last_message_at      TEXT NOT NULL,
			completed_at         TEXT,
			negotiation_deadline TEXT,

			CHECK (status IN ('active', 'completed', 'archived', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status);
		CREATE INDEX IF NOT EXISTS idx_conversations_last_message
			ON conversations(last_message_at);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			module_name     TEXT NOT NULL,
			position        INTEGER NOT NULL,

			PRIMARY KEY (conversation_id, module_name)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_module
			ON conversation_participants(module_name);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			turn_number     INTEGER NOT NULL,
			source          TEXT NOT NULL,
			target          TEXT NOT NULL,
			type            TEXT NOT NULL,
			content_json    TEXT NOT NULL DEFAULT '{}',
			context_json    TEXT NOT NULL DEFAULT '{}',
			timestamp       TEXT NOT NULL,
			in_reply_to     TEXT,

			UNIQUE (conversation_id, turn_number)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, turn_number);
		CREATE INDEX IF NOT EXISTS idx_messages_timestamp
			ON messages(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'negotiation_deadline'`,
			apply:  `ALTER TABLE conversations ADD COLUMN negotiation_deadline TEXT`,
			column: "negotiation_deadline",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to conversations: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "conversations")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation inserts a conversation row and its participant rows in
// one transaction. Returns ErrDuplicateConversation if the id already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	contextJSON, err := marshalMap(conv.Context)
	if err != nil {
		return fmt.Errorf("encoding conversation context: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, status, turn_count, last_phase, context_json, started_at, last_message_at, completed_at, negotiation_deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.Status,
		conv.TurnCount,
		conv.LastPhase,
		contextJSON,
		conv.StartedAt.UTC().Format(time.RFC3339),
		conv.LastMessageAt.UTC().Format(time.RFC3339),
		nullTime(conv.CompletedAt),
		nullTime(conv.NegotiationDeadline),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for i, name := range conv.Participants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, module_name, position)
			VALUES (?, ?, ?)
		`, conv.ID, name, i)
		if err != nil {
			return fmt.Errorf("inserting participant %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "participants", conv.Participants)
	return nil
}

// GetConversation retrieves a conversation by id, including its participants.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, turn_count, last_phase, context_json, started_at, last_message_at, completed_at, negotiation_deadline
		FROM conversations
		WHERE id = ?
	`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Participants, err = s.loadParticipants(ctx, id)
	if err != nil {
		return nil, err
	}

	return conv, nil
}

// UpdateConversation updates a conversation row. Participants are fixed at
// creation and are not touched. Returns ErrNotFound for unknown ids.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	contextJSON, err := marshalMap(conv.Context)
	if err != nil {
		return fmt.Errorf("encoding conversation context: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, turn_count = ?, last_phase = ?, context_json = ?, last_message_at = ?, completed_at = ?, negotiation_deadline = ?
		WHERE id = ?
	`,
		conv.Status,
		conv.TurnCount,
		conv.LastPhase,
		contextJSON,
		conv.LastMessageAt.UTC().Format(time.RFC3339),
		nullTime(conv.CompletedAt),
		nullTime(conv.NegotiationDeadline),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", conv.ID, "status", conv.Status)
	return nil
}

// ListConversations retrieves conversations matching the filter, ordered by
// most recent activity.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT c.id, c.status, c.turn_count, c.last_phase, c.context_json, c.started_at, c.last_message_at, c.completed_at, c.negotiation_deadline
		FROM conversations c
	`
	var conditions []string
	var args []any

	if filter.Participant != "" {
		query += ` JOIN conversation_participants p ON p.conversation_id = c.id`
		conditions = append(conditions, "p.module_name = ?")
		args = append(args, filter.Participant)
	}
	if filter.Status != "" {
		conditions = append(conditions, "c.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		conditions = append(conditions, "c.last_message_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		conditions = append(conditions, "c.last_message_at <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY c.last_message_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	for _, conv := range conversations {
		conv.Participants, err = s.loadParticipants(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
	}

	return conversations, nil
}

// AppendMessage writes the message row and the updated conversation row as a
// single transaction. Either both land or neither does, so turn_count can
// never drift from the stored messages.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *message.Message, conv *Conversation) error {
	contentJSON, err := marshalMap(msg.Content)
	if err != nil {
		return fmt.Errorf("encoding message content: %w", err)
	}
	msgContextJSON, err := marshalMap(msg.Context)
	if err != nil {
		return fmt.Errorf("encoding message context: %w", err)
	}
	convContextJSON, err := marshalMap(conv.Context)
	if err != nil {
		return fmt.Errorf("encoding conversation context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, turn_number, source, target, type, content_json, context_json, timestamp, in_reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.TurnNumber,
		msg.Source,
		msg.Target,
		msg.Type,
		contentJSON,
		msgContextJSON,
		msg.Timestamp.UTC().Format(time.RFC3339),
		nullString(msg.InReplyTo),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTurn
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, turn_count = ?, last_phase = ?, context_json = ?, last_message_at = ?, completed_at = ?, negotiation_deadline = ?
		WHERE id = ?
	`,
		conv.Status,
		conv.TurnCount,
		conv.LastPhase,
		convContextJSON,
		conv.LastMessageAt.UTC().Format(time.RFC3339),
		nullTime(conv.CompletedAt),
		nullTime(conv.NegotiationDeadline),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message append: %w", err)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"turn", msg.TurnNumber,
		"type", msg.Type,
	)
	return nil
}

// GetMessages retrieves a conversation's messages in turn order.
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*message.Message, error) {
	query := `
		SELECT id, conversation_id, turn_number, source, target, type, content_json, context_json, timestamp, in_reply_to
		FROM messages
		WHERE conversation_id = ?
		ORDER BY turn_number ASC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*message.Message
	for rows.Next() {
		var msg message.Message
		var contentJSON, contextJSON, timestampStr string
		var inReplyTo *string

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.TurnNumber,
			&msg.Source,
			&msg.Target,
			&msg.Type,
			&contentJSON,
			&contextJSON,
			&timestampStr,
			&inReplyTo,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
			return nil, fmt.Errorf("decoding message content: %w", err)
		}
		if err := json.Unmarshal([]byte(contextJSON), &msg.Context); err != nil {
			return nil, fmt.Errorf("decoding message context: %w", err)
		}
		msg.Timestamp, err = time.Parse(time.RFC3339, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		if inReplyTo != nil {
			msg.InReplyTo = *inReplyTo
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// ListMessageIDs returns a conversation's message ids in turn order. Used for
// rehydrating the in-memory history index without materializing payloads.
func (s *SQLiteStore) ListMessageIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = ?
		ORDER BY turn_number ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying message ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message ids: %w", err)
	}

	return ids, nil
}

func (s *SQLiteStore) loadParticipants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module_name FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		participants = append(participants, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}

	return participants, nil
}

// scanner abstracts over *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var contextJSON, startedAtStr, lastMessageAtStr string
	var completedAtStr, deadlineStr *string

	err := row.Scan(
		&conv.ID,
		&conv.Status,
		&conv.TurnCount,
		&conv.LastPhase,
		&contextJSON,
		&startedAtStr,
		&lastMessageAtStr,
		&completedAtStr,
		&deadlineStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(contextJSON), &conv.Context); err != nil {
		return nil, fmt.Errorf("decoding conversation context: %w", err)
	}
	conv.StartedAt, err = time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	conv.LastMessageAt, err = time.Parse(time.RFC3339, lastMessageAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	conv.CompletedAt, err = parseNullTime(completedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	conv.NegotiationDeadline, err = parseNullTime(deadlineStr)
	if err != nil {
		return nil, fmt.Errorf("parsing negotiation_deadline: %w", err)
	}

	return &conv, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
