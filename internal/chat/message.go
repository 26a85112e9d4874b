// Package chat holds the message model of a two-party conversation and the
// delivery state machine that reconciles optimistic local sends with rows the
// backend has confirmed.
package chat

import (
	"time"
)

// Status is the delivery status shown for a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message is a persisted message row as the backend reports it.
type Message struct {
	ID             int64      `json:"id"`
	ClientID       string     `json:"client_generated_id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	SentAt         time.Time  `json:"sent_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// Cursor returns the ordering position of the message.
func (m Message) Cursor() Cursor {
	return Cursor{SentAt: m.SentAt, ID: m.ID}
}

// Conversation is the record shared by exactly two participants.
// ParticipantA sorts before ParticipantB.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Peer returns the participant that is not self.
func (c Conversation) Peer(self string) string {
	if c.ParticipantA == self {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Cursor is a position in the (sent_at, id) total order of a conversation.
// The zero Cursor means "after everything".
type Cursor struct {
	SentAt time.Time
	ID     int64
}

// IsZero reports whether c is the zero cursor.
func (c Cursor) IsZero() bool {
	return c.SentAt.IsZero() && c.ID == 0
}

// Before reports whether c sorts strictly before other.
func (c Cursor) Before(other Cursor) bool {
	if !c.SentAt.Equal(other.SentAt) {
		return c.SentAt.Before(other.SentAt)
	}
	return c.ID < other.ID
}
