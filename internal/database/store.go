package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/edgard/chatsync/internal/chat"
)

var (
	// ErrConversationExists is returned by CreateConversation when the
	// participant pair already has a conversation.
	ErrConversationExists = errors.New("conversation already exists")
	// ErrConversationNotFound is returned when a message targets an unknown
	// conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrNotParticipant is returned when the sender is not part of the
	// conversation.
	ErrNotParticipant = errors.New("sender is not a participant of the conversation")
	// ErrClientIDConflict is returned when a client id is reused for a
	// different conversation or sender.
	ErrClientIDConflict = errors.New("client generated id already used by another message")
)

// Store defines the persistence operations of the synchronization engine.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// GetConversation returns a conversation by id. Returns nil, nil if not found.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// FindConversation looks a conversation up by its unordered participant
	// pair. Returns nil, nil if not found.
	FindConversation(ctx context.Context, a, b string) (*Conversation, error)

	// CreateConversation inserts a conversation for the pair. It returns
	// ErrConversationExists when the pair already has one.
	CreateConversation(ctx context.Context, a, b string) (*Conversation, error)

	// InsertMessage persists message and fills in its id and sent_at. When a
	// row with the same client id exists, message is overwritten with that
	// row and inserted is false.
	InsertMessage(ctx context.Context, message *Message) (inserted bool, err error)

	// existingByClientID loads the row stored under message.ClientID into
// message. It reports false when there is none and ErrClientIDConflict when
// the row belongs to another conversation or sender.
func (s *sqlxStore) existingByClientID(ctx context.Context, q sqlx.QueryerContext, message *Message) (bool, error) {
	var existing Message
	err := sqlx.GetContext(ctx, q, &existing,
		`SELECT `+messageColumns+` FROM messages WHERE client_generated_id = ?`, message.ClientID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error looking up message by client id", "client_id", message.ClientID, "error", err)
		return false, fmt.Errorf("failed to look up message %s: %w", message.ClientID, err)
	}
	if existing.ConversationID != message.ConversationID || existing.SenderID != message.SenderID {
		return false, ErrClientIDConflict
	}
	*message = existing
	s.logger.DebugContext(ctx, "Message already persisted, returning existing row",
		"conversation_id", message.ConversationID, "client_id", message.ClientID, "message_id", message.ID)
	return true, nil
}

// GetMessagesBefore returns up to limit messages strictly older than
	// before, newest first. A zero cursor returns the latest messages.
	GetMessagesBefore(ctx context.Context, conversationID string, before chat.Cursor, limit int) ([]*Message, error)

	// MarkMessagesRead sets read_at on the given messages that were sent to
	// readerID and are still unread, returning the rows that changed.
	MarkMessagesRead(ctx context.Context, readerID string, ids []int64) ([]*Message, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewStore creates a new Store backed by sqlx. A nil clock uses the real clock.
func NewStore(db *sqlx.DB, logger *slog.Logger, clock clockwork.Clock) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
		clock:  clock,
	}
}

const conversationColumns = `id, participant_low, participant_high, created_at, last_message_at`

const messageColumns = `id, client_generated_id, conversation_id, sender_id, content, sent_at, read_at`

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetConversation returns a conversation by id. Returns nil, nil if not found.
func (s *sqlxStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}

	var conv Conversation
	err := s.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting conversation", "conversation_id", id, "error", err)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// FindConversation looks a conversation up by its unordered participant pair.
func (s *sqlxStore) FindConversation(ctx context.Context, a, b string) (*Conversation, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("participant ids cannot be empty")
	}
	low, high := CanonicalPair(a, b)

	var conv Conversation
	query := `SELECT ` + conversationColumns + `
	          FROM conversations
	          WHERE participant_low = ? AND participant_high = ?`

	err := s.db.GetContext(ctx, &conv, query, low, high)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No conversation found", "participant_low", low, "participant_high", high)
		return nil, nil

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while finding conversation", "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error finding conversation", "participant_low", low, "participant_high", high, "error", err)
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}

	return &conv, nil
}

// CreateConversation inserts a conversation for the pair.
func (s *sqlxStore) CreateConversation(ctx context.Context, a, b string) (*Conversation, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("participant ids cannot be empty")
	}
	if a == b {
		return nil, fmt.Errorf("a conversation needs two distinct participants")
	}
	low, high := CanonicalPair(a, b)

	conv := &Conversation{
		ID:              uuid.NewString(),
		ParticipantLow:  low,
		ParticipantHigh: high,
		CreatedAt:       s.clock.Now().UnixNano(),
	}

	query := `
        INSERT INTO conversations (id, participant_low, participant_high, created_at, last_message_at)
        VALUES (:id, :participant_low, :participant_high, :created_at, :last_message_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, conv); err != nil {
		if isUniqueViolation(err) {
			s.logger.DebugContext(ctx, "Conversation already exists", "participant_low", low, "participant_high", high)
			return nil, ErrConversationExists
		}
		s.logger.ErrorContext(ctx, "Error creating conversation", "participant_low", low, "participant_high", high, "error", err)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.InfoContext(ctx, "Conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// InsertMessage persists message, assigning id and a sent_at that is strictly
// greater than any earlier message of the conversation.
func (s *sqlxStore) InsertMessage(ctx context.Context, message *Message) (bool, error) {
	if message == nil {
		return false, fmt.Errorf("cannot save nil message")
	}
	if message.ClientID == "" {
		return false, fmt.Errorf("message must have a client generated id")
	}
	if message.ConversationID == "" {
		return false, fmt.Errorf("message must have a conversation id")
	}
	if message.SenderID == "" {
		return false, fmt.Errorf("message must have a sender id")
	}
	if message.Content == "" {
		return false, fmt.Errorf("message must have non-empty content")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for saving message",
			"conversation_id", message.ConversationID, "client_id", message.ClientID, "error", err)
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	// A retried send carries the client id of its first attempt. If that
	// attempt made it to the database, hand back the existing row.
	if found, err := s.existingByClientID(ctx, tx, message); err != nil || found {
		return false, err
	}

	var conv Conversation
	err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, message.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrConversationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load conversation %s: %w", message.ConversationID, err)
	}
	if message.SenderID != conv.ParticipantLow && message.SenderID != conv.ParticipantHigh {
		return false, ErrNotParticipant
	}

	sentAt := s.clock.Now().UnixNano()
	if sentAt <= conv.LastMessageAt {
		sentAt = conv.LastMessageAt + 1
	}
	message.SentAt = sentAt
	message.ReadAt = sql.NullInt64{}

	query := `
        INSERT INTO messages (client_generated_id, conversation_id, sender_id, content, sent_at, read_at)
        VALUES (:client_generated_id, :conversation_id, :sender_id, :content, :sent_at, :read_at);
    `
	result, err := tx.NamedExecContext(ctx, query, message)
	if err != nil && isUniqueViolation(err) {
		// A concurrent send with the same client id committed first.
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
		}
		tx = nil
		found, lookupErr := s.existingByClientID(ctx, s.db, message)
		if lookupErr != nil {
			return false, lookupErr
		}
		if found {
			return false, nil
		}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message",
			"conversation_id", message.ConversationID, "client_id", message.ClientID, "error", err)
		return false, fmt.Errorf("failed to save message %s: %w", message.ClientID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to read id of message %s: %w", message.ClientID, err)
	}
	message.ID = id

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`, sentAt, message.ConversationID); err != nil {
		return false, fmt.Errorf("failed to bump conversation %s: %w", message.ConversationID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "client_id", message.ClientID, "error", err)
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	// Successfully committed, set tx to nil to avoid rollback
	tx = nil

	s.logger.DebugContext(ctx, "Message saved successfully",
		"conversation_id", message.ConversationID, "client_id", message.ClientID, "message_id", message.ID)
	return true, nil
}

// GetMessagesBefore returns up to limit messages strictly older than before,
// ordered newest first.
func (s *sqlxStore) GetMessagesBefore(ctx context.Context, conversationID string, before chat.Cursor, limit int) ([]*Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}
	if limit <= 0 {
		limit = 30
		s.logger.DebugContext(ctx, "No limit provided, using default", "conversation_id", conversationID, "default_limit", limit)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var (
		messages []*Message
		err      error
	)
	if before.IsZero() {
		err = s.db.SelectContext(ctx, &messages, `
            SELECT `+messageColumns+`
            FROM messages
            WHERE conversation_id = ?
            ORDER BY sent_at DESC, id DESC
            LIMIT ?`, conversationID, limit)
	} else {
		sentAt := before.SentAt.UnixNano()
		err = s.db.SelectContext(ctx, &messages, `
            SELECT `+messageColumns+`
            FROM messages
            WHERE conversation_id = ?
              AND (sent_at < ? OR (sent_at = ? AND id < ?))
            ORDER BY sent_at DESC, id DESC
            LIMIT ?`, conversationID, sentAt, sentAt, before.ID, limit)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching messages",
			"conversation_id", conversationID, "error", err)
		return nil, err
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching messages",
			"conversation_id", conversationID, "limit", limit, "error", err)
		return nil, fmt.Errorf("failed to get messages for conversation %s: %w", conversationID, err)
	}

	s.logger.DebugContext(ctx, "Fetched messages successfully", "conversation_id", conversationID, "count", len(messages))
	return messages, nil
}

// MarkMessagesRead sets read_at on unread messages addressed to readerID.
// Already-read rows and the reader's own messages are left untouched, which
// makes the call idempotent.
func (s *sqlxStore) MarkMessagesRead(ctx context.Context, readerID string, ids []int64) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if readerID == "" {
		return nil, fmt.Errorf("reader id cannot be empty")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for marking messages", "error", err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	now := s.clock.Now().UnixNano()
	query, args, err := sqlx.In(`
        UPDATE messages SET read_at = ?
        WHERE id IN (?)
          AND read_at IS NULL
          AND sender_id <> ?
          AND conversation_id IN (
              SELECT id FROM conversations WHERE participant_low = ? OR participant_high = ?
          )
        RETURNING `+messageColumns, now, ids, readerID, readerID, readerID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error building query for marking messages", "error", err)
		return nil, fmt.Errorf("failed to build query for marking messages: %w", err)
	}

	var changed []*Message
	if err := tx.SelectContext(ctx, &changed, tx.Rebind(query), args...); err != nil {
		s.logger.ErrorContext(ctx, "Error marking messages as read", "error", err)
		return nil, fmt.Errorf("failed to mark messages as read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "error", err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Marked messages as read",
		"reader_id", readerID, "requested", len(ids), "affected", len(changed))
	return changed, nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
