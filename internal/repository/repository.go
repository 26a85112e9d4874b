// Package repository is the message repository and conversation resolver of
// the synchronization engine. It persists through a database.Store and
// publishes every change on a realtime channel.
package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/chatsync/internal/chat"
	"github.com/edgard/chatsync/internal/database"
	"github.com/edgard/chatsync/internal/realtime"
)

// Page is one slice of history in ascending (sent_at, id) order.
type Page struct {
	Messages []chat.Message
	HasMore  bool
}

// Oldest returns the cursor of the first message, or the zero cursor.
func (p Page) Oldest() chat.Cursor {
	if len(p.Messages) == 0 {
		return chat.Cursor{}
	}
	return p.Messages[0].Cursor()
}

// EventKind names a subscription event.
type EventKind string

const (
	EventInsert    EventKind = "insert"
	EventUpdate    EventKind = "update"
	EventDegraded  EventKind = "degraded"
	EventRecovered EventKind = "recovered"
)

// Event is delivered to Subscribe callbacks. Message is set for inserts and
// updates, Err for degraded.
type Event struct {
	Kind    EventKind
	Message chat.Message
	Err     error
}

// Repository is the message-level contract consumed by a chat session.
type Repository interface {
	// Send inserts a message and returns the confirmed row. Calls with a
	// clientID that was already persisted return the existing row.
	Send(ctx context.Context, conversationID, senderID, content, clientID string) (chat.Message, error)

	// FetchPage returns up to limit messages strictly older than before.
	// The zero cursor returns the latest page.
	FetchPage(ctx context.Context, conversationID string, before chat.Cursor, limit int) (Page, error)

	// Subscribe streams insert and update events of the conversation to
	// onEvent until the returned function is called. onEvent is never
	// invoked after unsubscribe returns.
	Subscribe(ctx context.Context, conversationID string, onEvent func(Event)) (unsubscribe func(), err error)

	// MarkRead sets read_at on the given messages sent to readerID.
	// Already-read messages are left unchanged.
	MarkRead(ctx context.Context, readerID string, ids []int64) error
}

// Options tunes paging and the resubscribe loop.
type Options struct {
	PageSize           int
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
	MaxFailures        int
	OpenTimeout        time.Duration
	// CatchUpPages is the page count after which a catch-up that has not
	// reached known history logs a warning. Paging continues regardless.
	CatchUpPages int
}

func (o *Options) withDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 30
	}
	if o.ResubscribeInitial <= 0 {
		o.ResubscribeInitial = 500 * time.Millisecond
	}
	if o.ResubscribeMax <= 0 {
		o.ResubscribeMax = 30 * time.Second
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = time.Minute
	}
	if o.CatchUpPages <= 0 {
		o.CatchUpPages = 5
	}
}

// StoreRepository implements Repository on top of a database.Store and a
// realtime channel.
type StoreRepository struct {
	store     database.Store
	channel   realtime.Channel
	publisher realtime.Publisher
	clock     clockwork.Clock
	logger    *slog.Logger
	opts      Options
}

var _ Repository = (*StoreRepository)(nil)

// New creates a StoreRepository. channel and publisher are usually the same
// realtime.Hub or realtime.Client.
func New(store database.Store, channel realtime.Channel, publisher realtime.Publisher,
	logger *slog.Logger, clock clockwork.Clock, opts Options,
) *StoreRepository {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts.withDefaults()
	return &StoreRepository{
		store:     store,
		channel:   channel,
		publisher: publisher,
		clock:     clock,
		logger:    logger.With("component", "repository"),
		opts:      opts,
	}
}

// Send inserts the message and publishes it.
func (r *StoreRepository) Send(ctx context.Context, conversationID, senderID, content, clientID string) (chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, chat.NewValidationError("message content cannot be empty")
	}
	if clientID == "" {
		return chat.Message{}, chat.NewValidationError("client generated id is required")
	}

	row := &database.Message{
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}
	inserted, err := r.store.InsertMessage(ctx, row)
	if err != nil {
		return chat.Message{}, mapStoreError("insert message", err)
	}

	msg := row.ToChat()
	if !inserted {
		r.logger.DebugContext(ctx, "Send matched an existing row", "client_id", clientID, "message_id", msg.ID)
	}
	// Republish duplicates too: the first attempt may have been persisted
	// without ever reaching the channel.
	r.publish(ctx, conversationID, realtime.Event{Type: realtime.EventInsert, Row: msg})
	return msg, nil
}

// FetchPage returns up to limit messages strictly older than before in
// ascending order.
func (r *StoreRepository) FetchPage(ctx context.Context, conversationID string, before chat.Cursor, limit int) (Page, error) {
	if limit <= 0 {
		limit = r.opts.PageSize
	}
	rows, err := r.store.GetMessagesBefore(ctx, conversationID, before, limit)
	if err != nil {
		return Page{}, mapStoreError("fetch page", err)
	}

	messages := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.ToChat())
	}
	slices.Reverse(messages)

	return Page{Messages: messages, HasMore: len(rows) == limit}, nil
}

// MarkRead marks the messages read and publishes an update for every row
// that changed.
func (r *StoreRepository) MarkRead(ctx context.Context, readerID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	changed, err := r.store.MarkMessagesRead(ctx, readerID, ids)
	if err != nil {
		return mapStoreError("mark read", err)
	}
	for _, row := range changed {
		r.publish(ctx, row.ConversationID, realtime.Event{Type: realtime.EventUpdate, Row: row.ToChat()})
	}
	return nil
}

func (r *StoreRepository) publish(ctx context.Context, conversationID string, ev realtime.Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, conversationID, ev); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish realtime event",
			"conversation_id", conversationID, "type", ev.Type, "message_id", ev.Row.ID, "error", err)
	}
}

// mapStoreError classifies a store failure into the chat error taxonomy.
func mapStoreError(op string, err error) error {
	var coded chat.CodedError
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, database.ErrConversationNotFound),
		errors.Is(err, database.ErrNotParticipant),
		errors.Is(err, database.ErrClientIDConflict):
		return chat.NewValidationError(op + ": " + err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return chat.NewNetworkError(op, err)
	default:
		return chat.NewStorageError(op, err)
	}
}
