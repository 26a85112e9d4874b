// Package realtime delivers insert and update events of a conversation to
// subscribers, in process through a Hub and across processes over websocket.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/edgard/chatsync/internal/chat"
)

// EventType names a realtime change.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

// Event is a single change pushed to subscribers. It is also the websocket
// frame format.
type Event struct {
	Type EventType    `json:"type"`
	Row  chat.Message `json:"row"`
}

var (
	// ErrSlowSubscriber ends a subscription whose buffer filled up.
	ErrSlowSubscriber = errors.New("subscriber buffer exceeded")
	// ErrHubClosed is returned once the hub has shut down.
	ErrHubClosed = errors.New("realtime hub closed")
)

// Channel opens realtime subscriptions for a conversation.
type Channel interface {
	Subscribe(ctx context.Context, conversationID string) (*Subscription, error)
}

// Publisher pushes events to the subscribers of a conversation.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, ev Event) error
}

// Subscription is a stream of events for one conversation. Events are
// at-least-once and unordered. The stream ends when Done is closed; Err
// then tells whether it was dropped (non-nil) or closed by the owner (nil).
type Subscription struct {
	ID             string
	ConversationID string

	events  chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func()
}

func newSubscription(conversationID string, buffer int, onClose func()) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscription{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		events:         make(chan Event, buffer),
		done:           make(chan struct{}),
		onClose:        onClose,
	}
}

// Events returns the event stream. It is never closed; select on Done too.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended, nil while it is live or after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription without error.
func (s *Subscription) Close() {
	s.end(nil)
}

// deliver enqueues ev without blocking and reports whether it was accepted.
func (s *Subscription) deliver(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
