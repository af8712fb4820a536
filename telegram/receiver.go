package telegram

import (
	"context"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ChaikaBogdan/memes2telegram/relay"
)

// MessageHandler consumes inbound chat messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg relay.Message) error
}

// Listen long-polls for updates and hands every usable message to h until ctx is done.
func (b *Bot) Listen(ctx context.Context, h MessageHandler, pollTimeout int) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message"}
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("polling for updates", slog.Int("timeout_sec", pollTimeout))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("polling stopped")
			return
		case update, ok := <-updates:
			if !ok {
				b.logger.Info("updates channel closed")
				return
			}
			msg, ok := toMessage(update.Message)
			if !ok {
				continue
			}
			if err := h.HandleMessage(ctx, msg); err != nil {
				b.logger.Warn("handle message failed",
					slog.Int64("chat_id", msg.ChatID),
					slog.Int("message_id", msg.MessageID),
					slog.Any("err", err))
			}
		}
	}
}

// toMessage converts a Bot API message. Text messages carry their text; forwarded videos,
// animations and documents carry their file ID and their caption as text.
func toMessage(m *tgbotapi.Message) (relay.Message, bool) {
	if m == nil || m.Chat == nil {
		return relay.Message{}, false
	}
	msg := relay.Message{
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
		Private:   m.Chat.IsPrivate(),
		Text:      strings.TrimSpace(m.Text),
	}
	if msg.Text == "" {
		msg.Text = strings.TrimSpace(m.Caption)
	}
	switch {
	case m.Video != nil:
		msg.FileID = m.Video.FileID
	case m.Animation != nil:
		msg.FileID = m.Animation.FileID
	case m.Document != nil:
		msg.FileID = m.Document.FileID
	}
	if msg.Text == "" && msg.FileID == "" {
		return relay.Message{}, false
	}
	return msg, true
}

// FileURL resolves a file ID with getFile. The link embeds the bot token.
func (b *Bot) FileURL(ctx context.Context, fileID string) (string, error) {
	var u string
	err := b.call(ctx, "getFile", func() error {
		var err error
		u, err = b.api.GetFileDirectURL(fileID)
		return err
	})
	return u, err
}
