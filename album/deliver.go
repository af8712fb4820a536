package album

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChaikaBogdan/memes2telegram/media"
)

// Sender is the subset of the chat sink album delivery needs.
type Sender interface {
	SendGroup(ctx context.Context, chatID int64, items []*media.Artifact, caption string) error
	SendItem(ctx context.Context, chatID int64, item *media.Artifact, caption string) error
}

type group int

const (
	groupSolo group = iota // never shares an album
	groupVisual
	groupDocument
)

func groupOf(k media.Kind) group {
	switch k {
	case media.KindPhoto, media.KindVideo:
		return groupVisual
	case media.KindDocument:
		return groupDocument
	}
	return groupSolo
}

// Split breaks items into consecutive runs the platform accepts in one album: photos and
// videos mix, documents only go with documents, animations always travel alone.
func Split(items []*media.Artifact) [][]*media.Artifact {
	var runs [][]*media.Artifact
	for i, it := range items {
		g := groupOf(it.Kind)
		if i > 0 && g != groupSolo && g == groupOf(items[i-1].Kind) {
			runs[len(runs)-1] = append(runs[len(runs)-1], it)
			continue
		}
		runs = append(runs, []*media.Artifact{it})
	}
	return runs
}

// Deliver sends batches strictly in order, waiting delay between consecutive batches. Each
// batch is split into homogeneous runs; a run of one goes out as a single item. The caption
// rides on the first run of a batch. The first failure stops delivery.
func Deliver(ctx context.Context, s Sender, chatID int64, batches []Batch[*media.Artifact], delay time.Duration) error {
	for i, b := range batches {
		if i > 0 && delay > 0 {
			if err := wait(ctx, delay); err != nil {
				return err
			}
		}
		caption := b.Caption
		for _, run := range Split(b.Items) {
			var err error
			if len(run) == 1 {
				err = s.SendItem(ctx, chatID, run[0], caption)
			} else {
				err = s.SendGroup(ctx, chatID, run, caption)
			}
			if err != nil {
				return fmt.Errorf("album batch %d/%d: %w", i+1, len(batches), err)
			}
			caption = ""
		}
		slog.Debug("album batch sent",
			slog.String("component", "album"),
			slog.Int64("chat_id", chatID),
			slog.Int("batch", i+1),
			slog.Int("of", len(batches)),
			slog.Int("items", len(b.Items)))
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
