package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ChaikaBogdan/memes2telegram/album"
	"github.com/ChaikaBogdan/memes2telegram/content"
	"github.com/ChaikaBogdan/memes2telegram/fetch"
	"github.com/ChaikaBogdan/memes2telegram/jobs"
	"github.com/ChaikaBogdan/memes2telegram/media"
	"github.com/ChaikaBogdan/memes2telegram/telemetry"
)

// Handle executes one job; it is the scheduler's handler.
func (s *Service) Handle(ctx context.Context, run *jobs.Run) error {
	switch p := run.Job.Payload.(type) {
	case jobs.FetchPayload:
		return s.fetch(ctx, run, p)
	case jobs.ConvertPayload:
		return s.convert(ctx, run, p)
	case jobs.DeliverPayload:
		return s.deliver(ctx, run, p)
	case jobs.NotifyPayload:
		return s.deps.Sink.SendText(ctx, run.Job.ChatID, p.Text, p.ReplyTo)
	default:
		return fmt.Errorf("unexpected payload %T", p)
	}
}

func (s *Service) fetch(ctx context.Context, run *jobs.Run, p jobs.FetchPayload) error {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "relay"), slog.String("kind", p.Ref.Kind.String()))
	var (
		items   []*media.Artifact
		caption string
		err     error
	)
	switch p.Ref.Kind {
	case content.GalleryPost:
		items, err = s.fetchGallery(ctx, run, p.Ref)
		caption = fullCaption(p.Label)
	case content.SocialVideo:
		var a *media.Artifact
		if a, err = s.deps.Video.Fetch(ctx, p.Ref); err == nil {
			run.Scope.Track(a)
			items, caption = []*media.Artifact{a}, a.Title
		}
	case content.SocialImageAlbum:
		if items, err = s.deps.Album.Fetch(ctx, p.Ref); err == nil {
			run.Scope.Track(items...)
			caption = fullCaption(p.Label)
		}
	default:
		probe := s.deps.Prober.ProbeOrAssume(ctx, p.Ref)
		var a *media.Artifact
		if a, err = s.deps.Generic.Fetch(ctx, probe.Refine(p.Ref), probe); err == nil {
			run.Scope.Track(a)
			items = []*media.Artifact{a}
		}
	}
	if err != nil {
		if fetch.IsRetryable(err) && run.Job.AttemptCount < s.cfg.FetchMaxAttempts {
			logger.Warn("fetch failed, retrying", slog.Any("err", err), slog.Int("attempt", run.Job.AttemptCount))
			return jobs.RetryAfter(err, s.cfg.RetryBackoff)
		}
		return err
	}

	kept, err := s.check(items, s.deps.Guard.CheckFetched, logger)
	if err != nil {
		return err
	}
	if len(kept) == 0 {
		return fmt.Errorf("%w: %s", fetch.ErrNoMediaFound, p.Ref.Kind)
	}
	logger.Info("fetched", slog.Int("items", len(kept)))
	_, err = run.Chain(jobs.ConvertPayload{Items: kept, Caption: caption, Label: p.Label, SourceMessageID: p.SourceMessageID}, 0)
	return err
}

// fetchGallery downloads every image of a gallery post with bounded parallelism. Single
// images that fail are skipped; page order is kept.
func (s *Service) fetchGallery(ctx context.Context, run *jobs.Run, ref content.Ref) ([]*media.Artifact, error) {
	locators, err := s.deps.Gallery.Locators(ctx, ref)
	if err != nil {
		return nil, err
	}
	results := make([]*media.Artifact, len(locators))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.GalleryWorkers)
	for i, loc := range locators {
		g.Go(func() error {
			a, err := s.deps.Generic.FetchImage(gctx, loc)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("gallery image skipped", slog.String("locator", loc), slog.Any("err", err))
				return nil
			}
			run.Scope.Track(a)
			results[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	items := make([]*media.Artifact, 0, len(results))
	for _, a := range results {
		if a != nil {
			items = append(items, a)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: none of %d images downloaded", fetch.ErrNoMediaFound, len(locators))
	}
	return items, nil
}

// check runs a guard over items. With a single item its error is the job's error; in an
// album offending items are dropped.
func (s *Service) check(items []*media.Artifact, guard func(*media.Artifact) error, logger *slog.Logger) ([]*media.Artifact, error) {
	kept := make([]*media.Artifact, 0, len(items))
	for _, a := range items {
		if err := guard(a); err != nil {
			if len(items) == 1 {
				return nil, err
			}
			logger.Warn("item dropped", slog.String("path", a.Path), slog.Any("err", err))
			_ = a.Remove()
			continue
		}
		kept = append(kept, a)
	}
	return kept, nil
}

func (s *Service) convert(ctx context.Context, run *jobs.Run, p jobs.ConvertPayload) error {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "relay"))
	out := make([]*media.Artifact, 0, len(p.Items))
	var lastErr error
	for _, a := range p.Items {
		c, err := s.convertOne(ctx, a)
		if err == nil && c != a {
			run.Scope.Track(c)
		}
		if err == nil {
			err = s.deps.Guard.CheckDeliverable(c)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.Warn("conversion dropped item", slog.String("path", a.Path), slog.Any("err", err))
			lastErr = err
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		if lastErr == nil {
			lastErr = fetch.ErrNoMediaFound
		}
		return lastErr
	}
	_, err := run.Chain(jobs.DeliverPayload{Items: out, Caption: p.Caption, Label: p.Label, SourceMessageID: p.SourceMessageID}, 0)
	return err
}

// convertOne returns a deliverable version of a. Anything that moves becomes H.264 MP4;
// photos the platform shows natively pass through, other stills become JPEG.
func (s *Service) convertOne(ctx context.Context, a *media.Artifact) (*media.Artifact, error) {
	switch a.Kind {
	case media.KindVideo, media.KindAnimation:
		return s.deps.Converter.ToDeliverableVideo(ctx, a)
	case media.KindPhoto:
		switch a.MIME {
		case "image/jpeg", "image/png":
			return a, nil
		}
		return s.deps.Converter.ToDeliverableImage(ctx, a)
	default:
		return a, nil
	}
}

func (s *Service) deliver(ctx context.Context, run *jobs.Run, p jobs.DeliverPayload) error {
	chatID := run.Job.ChatID
	if len(p.Items) == 1 {
		if err := s.deps.Sink.SendItem(ctx, chatID, p.Items[0], p.Caption); err != nil {
			return err
		}
	} else {
		batches, err := album.MakeBatches(p.Items, s.cfg.AlbumSize)
		if err != nil {
			return err
		}
		if err := album.Deliver(ctx, s.deps.Sink, chatID, album.WithCaptions(batches, p.Caption), s.cfg.BatchDelay); err != nil {
			return err
		}
	}
	if s.cfg.DeleteSource && p.SourceMessageID != 0 {
		// needs admin rights in groups; the relay itself already succeeded
		if err := s.deps.Sink.DeleteMessage(ctx, chatID, p.SourceMessageID); err != nil {
			s.logger.Warn("delete source message failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
		}
	}
	return nil
}

func fullCaption(label string) string {
	if label == "" {
		return ""
	}
	return "Full: " + label
}
