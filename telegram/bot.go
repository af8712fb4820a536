// Package telegram is the relay's connection to the Telegram Bot API: a rate limited sink
// for texts, media and albums, and a long-polling receiver that turns updates into relay
// messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/ChaikaBogdan/memes2telegram/media"
	"github.com/ChaikaBogdan/memes2telegram/telemetry"
)

// Options configure a Bot.
type Options struct {
	Token         string
	Endpoint      string // printf pattern with token and method, tgbotapi.APIEndpoint when empty
	UploadTimeout time.Duration
	Rate          float64 // outbound calls per second, unlimited when <= 0
	Burst         int
	Logger        *slog.Logger
}

// DeliveryError is a failed Bot API call. RetryAfter carries Telegram's flood-wait hint.
type DeliveryError struct {
	Method     string
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %v (retry after %s)", e.Method, e.Err, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %v", e.Method, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Bot wraps a tgbotapi client with a global outbound rate limit.
type Bot struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New connects to the Bot API (one getMe call) and returns a ready bot.
func New(opts Options) (*Bot, error) {
	if opts.Token == "" {
		return nil, errors.New("telegram: empty token")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := opts.UploadTimeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "telegram"))
	_ = tgbotapi.SetLogger(&slogBotLogger{log: logger})

	api, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := max(opts.Burst, 1)
	logger.Info("bot authorized", slog.String("username", api.Self.UserName), slog.Float64("send_rate", opts.Rate))
	return &Bot{api: api, limiter: rate.NewLimiter(limit, burst), logger: logger}, nil
}

// Username is the bot's own @name without the at sign.
func (b *Bot) Username() string { return b.api.Self.UserName }

func (b *Bot) wait(ctx context.Context, method string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Method: method, Err: err}
	}
	return nil
}

// call rate limits and instruments one Bot API request.
func (b *Bot) call(ctx context.Context, method string, fn func() error) error {
	if err := b.wait(ctx, method); err != nil {
		return err
	}
	ctx, span := telemetry.StartSpan(ctx, "telegram", "telegram."+method)
	defer span.End()
	err := fn()
	if err != nil {
		err = wrapAPIError(method, err)
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanSuccess(span)
	}
	telemetry.RecordDelivery(method, err)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("telegram call failed", slog.String("component", "telegram"), slog.String("method", method), slog.Any("err", err))
	}
	return err
}

func wrapAPIError(method string, err error) error {
	de := &DeliveryError{Method: method, Err: err}
	if apiErr, ok := asAPIError(err); ok {
		de.Code = apiErr.Code
		if apiErr.RetryAfter > 0 {
			de.RetryAfter = time.Duration(apiErr.RetryAfter) * time.Second
		}
	}
	return de
}

// asAPIError unwraps a Bot API error. The library returns it by pointer but only the value
// type implements error, so both forms are checked.
func asAPIError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

// SendText posts a silent text message, optionally as a reply.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string, replyTo int) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableNotification = true
	msg.ReplyToMessageID = replyTo
	msg.AllowSendingWithoutReply = true
	return b.call(ctx, "sendMessage", func() error {
		_, err := b.api.Send(msg)
		return err
	})
}

// SendVideo uploads a streamable video.
func (b *Bot) SendVideo(ctx context.Context, chatID int64, a *media.Artifact, caption string) error {
	v := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(a.Path))
	v.Caption = caption
	v.SupportsStreaming = true
	v.DisableNotification = true
	return b.call(ctx, "sendVideo", func() error {
		_, err := b.api.Send(v)
		return err
	})
}

// SendPhoto uploads a photo.
func (b *Bot) SendPhoto(ctx context.Context, chatID int64, a *media.Artifact, caption string) error {
	p := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(a.Path))
	p.Caption = caption
	p.DisableNotification = true
	return b.call(ctx, "sendPhoto", func() error {
		_, err := b.api.Send(p)
		return err
	})
}

// SendDocument uploads a file without recompression.
func (b *Bot) SendDocument(ctx context.Context, chatID int64, a *media.Artifact, caption string) error {
	d := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(a.Path))
	d.Caption = caption
	d.DisableNotification = true
	return b.call(ctx, "sendDocument", func() error {
		_, err := b.api.Send(d)
		return err
	})
}

// SendItem sends one artifact with the method matching its kind.
func (b *Bot) SendItem(ctx context.Context, chatID int64, a *media.Artifact, caption string) error {
	switch a.Kind {
	case media.KindVideo:
		return b.SendVideo(ctx, chatID, a, caption)
	case media.KindPhoto:
		return b.SendPhoto(ctx, chatID, a, caption)
	default:
		return b.SendDocument(ctx, chatID, a, caption)
	}
}

// SendGroup sends 2..10 artifacts as one album; the caption goes on the first item.
func (b *Bot) SendGroup(ctx context.Context, chatID int64, items []*media.Artifact, caption string) error {
	files, err := inputMedia(items, caption)
	if err != nil {
		return &DeliveryError{Method: "sendMediaGroup", Err: err}
	}
	group := tgbotapi.NewMediaGroup(chatID, files)
	group.DisableNotification = true
	return b.call(ctx, "sendMediaGroup", func() error {
		_, err := b.api.SendMediaGroup(group)
		return err
	})
}

func inputMedia(items []*media.Artifact, caption string) ([]interface{}, error) {
	if len(items) < 2 || len(items) > 10 {
		return nil, fmt.Errorf("album of %d items", len(items))
	}
	files := make([]interface{}, 0, len(items))
	for i, a := range items {
		c := ""
		if i == 0 {
			c = caption
		}
		file := tgbotapi.FilePath(a.Path)
		switch a.Kind {
		case media.KindPhoto:
			m := tgbotapi.NewInputMediaPhoto(file)
			m.Caption = c
			files = append(files, m)
		case media.KindVideo:
			m := tgbotapi.NewInputMediaVideo(file)
			m.Caption = c
			m.SupportsStreaming = true
			files = append(files, m)
		default:
			m := tgbotapi.NewInputMediaDocument(file)
			m.Caption = c
			files = append(files, m)
		}
	}
	return files, nil
}

// DeleteMessage removes a message, typically the user's link after it was relayed.
func (b *Bot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	del := tgbotapi.NewDeleteMessage(chatID, messageID)
	return b.call(ctx, "deleteMessage", func() error {
		_, err := b.api.Request(del)
		return err
	})
}
