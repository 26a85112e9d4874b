package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-telegram/bot"
)

// Telegram posts a short notice to the recipient's Telegram chat.
type Telegram struct {
	bot        *bot.Bot
	chatIDs    map[string]int64
	previewLen int
	logger     *slog.Logger
}

// NewTelegram creates a Telegram signaler. chatIDs maps participant ids to
// Telegram chat ids; recipients without an entry are skipped. Extra bot
// options are passed to bot.New.
func NewTelegram(token string, chatIDs map[string]int64, previewLen int, logger *slog.Logger, opts ...bot.Option) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if previewLen <= 0 {
		previewLen = 80
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	ids := make(map[string]int64, len(chatIDs))
	for user, id := range chatIDs {
		ids[user] = id
	}
	return &Telegram{
		bot:        b,
		chatIDs:    ids,
		previewLen: previewLen,
		logger:     logger.With("component", "notify_telegram"),
	}, nil
}

// Signal implements Signaler.
func (t *Telegram) Signal(ctx context.Context, s Signal) error {
	chatID, ok := t.chatIDs[s.RecipientID]
	if !ok {
		t.logger.DebugContext(ctx, "No telegram chat configured for recipient", "recipient_id", s.RecipientID)
		return nil
	}

	text := fmt.Sprintf("New message from %s: %s", s.SenderID, Preview(s.Content, t.previewLen))
	if _, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		t.logger.WarnContext(ctx, "Failed to send telegram notification",
			"recipient_id", s.RecipientID, "message_id", s.MessageID, "error", err)
		return fmt.Errorf("failed to send telegram notification: %w", err)
	}

	t.logger.DebugContext(ctx, "Telegram notification sent", "recipient_id", s.RecipientID, "message_id", s.MessageID)
	return nil
}
