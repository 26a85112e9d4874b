package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/edgard/chatsync/internal/chat"
	"github.com/edgard/chatsync/internal/database"
)

// ConversationResolver finds or creates the conversation of two participants.
type ConversationResolver struct {
	store  database.Store
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver creates a ConversationResolver.
func NewResolver(store database.Store, logger *slog.Logger) *ConversationResolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ConversationResolver{
		store:  store,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve returns the conversation between a and b, creating it when it
// does not exist. Argument order does not matter. Concurrent calls for the
// same pair share one lookup, and a create that loses a race against
// another writer falls back to the winner's row.
func (r *ConversationResolver) Resolve(ctx context.Context, a, b string) (chat.Conversation, error) {
	if a == "" || b == "" {
		return chat.Conversation{}, chat.NewValidationError("both participant ids are required")
	}
	if a == b {
		return chat.Conversation{}, chat.NewValidationError("cannot open a conversation with oneself")
	}

	low, high := database.CanonicalPair(a, b)
	v, err, shared := r.group.Do(low+"\x00"+high, func() (interface{}, error) {
		return r.findOrCreate(ctx, low, high)
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	if shared {
		r.logger.DebugContext(ctx, "Resolve shared an in-flight lookup", "participant_low", low, "participant_high", high)
	}
	return v.(chat.Conversation), nil
}

func (r *ConversationResolver) findOrCreate(ctx context.Context, low, high string) (chat.Conversation, error) {
	conv, err := r.store.FindConversation(ctx, low, high)
	if err != nil {
		return chat.Conversation{}, chat.NewStorageError("find conversation", err)
	}
	if conv != nil {
		return conv.ToChat(), nil
	}

	conv, err = r.store.CreateConversation(ctx, low, high)
	switch {
	case err == nil:
		return conv.ToChat(), nil
	case errors.Is(err, database.ErrConversationExists):
		r.logger.DebugContext(ctx, "Conversation created concurrently, re-fetching",
			"participant_low", low, "participant_high", high)
	default:
		return chat.Conversation{}, chat.NewStorageError("create conversation", err)
	}

	conv, err = r.store.FindConversation(ctx, low, high)
	if err != nil {
		return chat.Conversation{}, chat.NewStorageError("re-fetch conversation", err)
	}
	if conv == nil {
		return chat.Conversation{}, chat.NewStorageError("re-fetch conversation",
			errors.New("conversation reported as existing but not found"))
	}
	return conv.ToChat(), nil
}
