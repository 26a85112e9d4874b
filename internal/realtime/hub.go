package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/edgard/chatsync/internal/chat"
)

// Hub is the in-process broker. It keeps one room per conversation and fans
// published events out to every subscription in the room. A subscriber that
// cannot keep up is dropped rather than allowed to block publishers.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Subscription // conversationID -> subscriptionID -> subscription
	buffer int
	closed bool
	logger *slog.Logger
}

// NewHub constructs a Hub. buffer is the per-subscription queue length.
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		rooms:  make(map[string]map[string]*Subscription),
		buffer: buffer,
		logger: logger.With("component", "hub"),
	}
}

// Subscribe joins the conversation room.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sub *Subscription
	sub = newSubscription(conversationID, h.buffer, func() { h.leave(conversationID, sub.ID) })

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Subscription)
		h.rooms[conversationID] = room
	}
	room[sub.ID] = sub

	h.logger.DebugContext(ctx, "Subscription joined", "conversation_id", conversationID, "subscription_id", sub.ID)
	return sub, nil
}

// Publish delivers ev to every subscription of the conversation.
func (h *Hub) Publish(ctx context.Context, conversationID string, ev Event) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	room := h.rooms[conversationID]
	var slow []*Subscription
	delivered := 0
	for _, sub := range room {
		if sub.deliver(ev) {
			delivered++
		} else {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	// end() re-enters the hub through leave, so it runs outside the read lock.
	for _, sub := range slow {
		h.logger.WarnContext(ctx, "Dropping slow subscriber", "conversation_id", conversationID, "subscription_id", sub.ID)
		sub.end(chat.NewSubscriptionDropped(conversationID, ErrSlowSubscriber))
	}

	h.logger.DebugContext(ctx, "Event published",
		"conversation_id", conversationID, "type", ev.Type, "message_id", ev.Row.ID, "delivered", delivered)
	return nil
}

// Drop ends every subscription of the conversation with cause.
func (h *Hub) Drop(conversationID string, cause error) int {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.rooms[conversationID]))
	for _, sub := range h.rooms[conversationID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.end(chat.NewSubscriptionDropped(conversationID, cause))
	}
	return len(subs)
}

// Subscribers returns the number of live subscriptions of a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Close ends all subscriptions and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	var subs []*Subscription
	for _, room := range h.rooms {
		for _, sub := range room {
			subs = append(subs, sub)
		}
	}
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.end(ErrHubClosed)
	}

	h.mu.Lock()
	h.rooms = make(map[string]map[string]*Subscription)
	h.mu.Unlock()
}

func (h *Hub) leave(conversationID, subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, subscriptionID)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}
