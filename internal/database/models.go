package database

import (
	"database/sql"
	"time"

	"github.com/edgard/chatsync/internal/chat"
)

// Conversation is a row of the conversations table. The participant pair is
// stored in canonical order so that (a, b) and (b, a) hit the same unique key.
type Conversation struct {
	ID              string `db:"id"`
	ParticipantLow  string `db:"participant_low"`
	ParticipantHigh string `db:"participant_high"`
	CreatedAt       int64  `db:"created_at"`
	LastMessageAt   int64  `db:"last_message_at"`
}

// Message is a row of the messages table. Timestamps are Unix nanoseconds,
// which keeps (sent_at, id) comparisons exact inside SQL.
type Message struct {
	ID             int64         `db:"id"`
	ClientID       string        `db:"client_generated_id"`
	ConversationID string        `db:"conversation_id"`
	SenderID       string        `db:"sender_id"`
	Content        string        `db:"content"`
	SentAt         int64         `db:"sent_at"`
	ReadAt         sql.NullInt64 `db:"read_at"`
}

// ToChat converts the row into the chat model.
func (c *Conversation) ToChat() chat.Conversation {
	out := chat.Conversation{
		ID:           c.ID,
		ParticipantA: c.ParticipantLow,
		ParticipantB: c.ParticipantHigh,
		CreatedAt:    fromNanos(c.CreatedAt),
	}
	if c.LastMessageAt > 0 {
		out.LastMessageAt = fromNanos(c.LastMessageAt)
	}
	return out
}

// ToChat converts the row into the chat model.
func (m *Message) ToChat() chat.Message {
	out := chat.Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SentAt:         fromNanos(m.SentAt),
	}
	if m.ReadAt.Valid {
		t := fromNanos(m.ReadAt.Int64)
		out.ReadAt = &t
	}
	return out
}

// CanonicalPair orders two participant ids.
func CanonicalPair(a, b string) (low, high string) {
	if b < a {
		return b, a
	}
	return a, b
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
