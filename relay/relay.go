// Package relay ties the pipeline together: chat messages become fetch jobs, and the job
// handler walks each job through fetch, conversion and delivery.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChaikaBogdan/memes2telegram/album"
	"github.com/ChaikaBogdan/memes2telegram/content"
	"github.com/ChaikaBogdan/memes2telegram/jobs"
	"github.com/ChaikaBogdan/memes2telegram/media"
)

// Message is an inbound chat message.
type Message struct {
	ChatID    int64
	MessageID int
	Private   bool
	Text      string
	// FileID names a forwarded video, animation or document. It is resolved to a download
	// link only once the message is known to address the bot.
	FileID string
}

// FileResolver turns a chat platform file ID into a direct download URL.
type FileResolver interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Sink is the outbound side of the chat platform.
type Sink interface {
	album.Sender
	SendText(ctx context.Context, chatID int64, text string, replyTo int) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// Queue accepts jobs.
type Queue interface {
	Enqueue(chatID int64, payload jobs.Payload, delay time.Duration) (uuid.UUID, error)
}

// Prober looks at a link before it is downloaded.
type Prober interface {
	ProbeOrAssume(ctx context.Context, ref content.Ref) content.ProbeResult
}

// Downloader fetches direct media links and single gallery images.
type Downloader interface {
	Fetch(ctx context.Context, ref content.Ref, probe content.ProbeResult) (*media.Artifact, error)
	FetchImage(ctx context.Context, locator string) (*media.Artifact, error)
}

// GalleryScraper lists the images of a gallery post.
type GalleryScraper interface {
	Locators(ctx context.Context, ref content.Ref) ([]string, error)
}

// VideoDownloader fetches one social video.
type VideoDownloader interface {
	Fetch(ctx context.Context, ref content.Ref) (*media.Artifact, error)
}

// AlbumDownloader fetches every file of a social post.
type AlbumDownloader interface {
	Fetch(ctx context.Context, ref content.Ref) ([]*media.Artifact, error)
}

// Converter makes artifacts playable inline.
type Converter interface {
	ToDeliverableVideo(ctx context.Context, a *media.Artifact) (*media.Artifact, error)
	ToDeliverableImage(ctx context.Context, a *media.Artifact) (*media.Artifact, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Sink      Sink
	Queue     Queue
	Prober    Prober
	Generic   Downloader
	Gallery   GalleryScraper
	Video     VideoDownloader
	Album     AlbumDownloader
	Converter Converter
	Files     FileResolver
	Guard     media.Guard
	Logger    *slog.Logger
}

// Settings are the relay's tunables.
type Settings struct {
	BotUsername      string
	DeleteSource     bool
	AlbumSize        int
	BatchDelay       time.Duration
	GalleryDelay     time.Duration
	FetchMaxAttempts int
	RetryBackoff     time.Duration
	GalleryWorkers   int
}

// Service handles inbound messages and executes jobs.
type Service struct {
	deps   Deps
	cfg    Settings
	logger *slog.Logger
}

// New returns a Service. The queue may be attached later with UseQueue, since the
// scheduler itself needs the service as its handler.
func New(deps Deps, cfg Settings) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AlbumSize <= 0 {
		cfg.AlbumSize = 10
	}
	if cfg.GalleryWorkers <= 0 {
		cfg.GalleryWorkers = 1
	}
	return &Service{deps: deps, cfg: cfg, logger: logger.With(slog.String("component", "relay"))}
}

// UseQueue attaches the job queue.
func (s *Service) UseQueue(q Queue) { s.deps.Queue = q }

// SetBotUsername sets the mention that addresses the bot in group chats.
func (s *Service) SetBotUsername(name string) { s.cfg.BotUsername = name }

// HandleMessage classifies a message and schedules the work for it. Messages not addressed
// to the bot are ignored. Classification failures are answered right away.
func (s *Service) HandleMessage(ctx context.Context, msg Message) error {
	link, addressed := content.ExtractLink(msg.Text, s.cfg.BotUsername, msg.Private)
	label := link
	if msg.FileID != "" && (msg.Private || addressed) {
		u, err := s.resolveFile(ctx, msg.FileID)
		switch {
		case err == nil:
			link, label, addressed = u, "", true
		case msg.Text == "":
			// getFile refuses files over 20 MB
			s.logger.Warn("resolve file url failed", slog.Int64("chat_id", msg.ChatID), slog.Any("err", err))
			return nil
		default:
			s.logger.Warn("resolve file url failed, using the text", slog.Int64("chat_id", msg.ChatID), slog.Any("err", err))
		}
	}
	if !addressed {
		return nil
	}

	ref, err := content.Classify(link)
	if err != nil {
		s.logger.Info("message rejected", slog.Int64("chat_id", msg.ChatID), slog.Any("err", err))
		_, qerr := s.deps.Queue.Enqueue(msg.ChatID, jobs.NotifyPayload{Text: UserMessage(err, ""), ReplyTo: msg.MessageID}, 0)
		return qerr
	}

	var delay time.Duration
	if ref.Kind == content.GalleryPost {
		delay = s.cfg.GalleryDelay
	}
	id, err := s.deps.Queue.Enqueue(msg.ChatID, jobs.FetchPayload{Ref: ref, Label: label, SourceMessageID: msg.MessageID}, delay)
	if err != nil {
		return fmt.Errorf("enqueue fetch: %w", err)
	}
	s.logger.Info("link accepted",
		slog.Int64("chat_id", msg.ChatID),
		slog.String("kind", ref.Kind.String()),
		slog.String("domain", ref.SourceDomain),
		slog.String("job_id", id.String()))
	return nil
}

func (s *Service) resolveFile(ctx context.Context, fileID string) (string, error) {
	if s.deps.Files == nil {
		return "", errors.New("no file resolver configured")
	}
	return s.deps.Files.FileURL(ctx, fileID)
}

// OnFailure tells the chat that a job failed for good. Failed notifications are only logged.
func (s *Service) OnFailure(ctx context.Context, job jobs.Job, err error) {
	if job.Kind == jobs.KindNotify || errors.Is(err, context.Canceled) {
		return
	}
	label, replyTo := describe(job.Payload)
	_, qerr := s.deps.Queue.Enqueue(job.ChatID, jobs.NotifyPayload{Text: UserMessage(err, label), ReplyTo: replyTo}, 0)
	if qerr != nil {
		s.logger.Warn("failure notice dropped", slog.String("job_id", job.ID.String()), slog.Any("err", qerr))
	}
}

func describe(p jobs.Payload) (label string, sourceMessageID int) {
	switch p := p.(type) {
	case jobs.FetchPayload:
		return p.Label, p.SourceMessageID
	case jobs.ConvertPayload:
		return p.Label, p.SourceMessageID
	case jobs.DeliverPayload:
		return p.Label, p.SourceMessageID
	}
	return "", 0
}
