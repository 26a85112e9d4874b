// Package notify signals an external notification service that a recipient
// has a new message. Delivery of the notification itself is the service's
// business.
package notify

import (
	"context"
	"time"
	"unicode/utf8"
)

// Signal describes a confirmed message for its recipient.
type Signal struct {
	ConversationID string
	MessageID      int64
	SenderID       string
	RecipientID    string
	Content        string
	SentAt         time.Time
}

// Signaler forwards signals to a notification service.
type Signaler interface {
	Signal(ctx context.Context, s Signal) error
}

// Nop discards every signal.
type Nop struct{}

// Signal implements Signaler.
func (Nop) Signal(context.Context, Signal) error { return nil }

// Preview shortens content to at most n runes.
func Preview(content string, n int) string {
	if n <= 0 || utf8.RuneCountInString(content) <= n {
		return content
	}
	if n <= 3 {
		return string([]rune(content)[:n])
	}
	return string([]rune(content)[:n-3]) + "..."
}
