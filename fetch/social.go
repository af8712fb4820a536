package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ChaikaBogdan/memes2telegram/content"
	"github.com/ChaikaBogdan/memes2telegram/media"
	"github.com/ChaikaBogdan/memes2telegram/telemetry"
	"github.com/ChaikaBogdan/memes2telegram/tools"
)

// ToolRunner executes an external program and returns its stdout.
type ToolRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// SocialVideo downloads single videos from social platforms through yt-dlp.
type SocialVideo struct {
	Tools   ToolRunner
	Bin     string
	TempDir string
	Guard   media.Guard
	Timeout time.Duration
}

// Fetch downloads ref and enforces the upload ceiling right away: a file too big to upload
// is deleted and reported as media.ErrUploadTooBig.
func (s *SocialVideo) Fetch(ctx context.Context, ref content.Ref) (*media.Artifact, error) {
	start := time.Now()
	a, err := s.fetch(ctx, ref)
	telemetry.RecordFetch("social_video", time.Since(start), ReasonLabel(err))
	return a, err
}

func (s *SocialVideo) fetch(ctx context.Context, ref content.Ref) (*media.Artifact, error) {
	if err := os.MkdirAll(s.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir temp dir: %w", err)
	}
	runCtx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()

	stem := media.TempName(s.TempDir, "")
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-warnings",
		"-f", "best[ext=mp4]/bv*[ext=mp4]+ba[ext=m4a]/best",
		"--merge-output-format", "mp4",
		"-o", stem + ".%(ext)s",
		"--print", "title",
		"--print", "after_move:filepath",
	}
	if s.Guard.FetchCeiling > 0 {
		args = append(args, "--max-filesize", fmt.Sprintf("%d", s.Guard.FetchCeiling))
	}
	args = append(args, ref.Locator)

	out, err := s.Tools.Run(runCtx, s.Bin, args...)
	if err != nil {
		removeMatching(stem + "*")
		return nil, toolError(ctx, "social_video", ref.Locator, err)
	}
	title, path := parsePrinted(out, stem)
	var a *media.Artifact
	if path != "" {
		a, err = media.Adopt(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, newError("social_video", ref.Locator, ErrUndownloadable, err)
		}
	}
	if a == nil {
		removeMatching(stem + "*")
		// yt-dlp exits 0 without a file when --max-filesize skipped the download
		if s.Guard.FetchCeiling > 0 {
			return nil, newError("social_video", ref.Locator, ErrTooLarge, errors.New("yt-dlp skipped the download"))
		}
		return nil, newError("social_video", ref.Locator, ErrNoMediaFound, errors.New("yt-dlp produced no file"))
	}
	a.Title = title
	if err := s.Guard.CheckDeliverable(a); err != nil {
		return nil, newError("social_video", ref.Locator, media.ErrUploadTooBig, err)
	}
	return a, nil
}

// parsePrinted splits yt-dlp --print output: the title comes before download, the final
// path after post-processing. Only a line under stem counts as the path; a skipped download
// prints the title alone.
func parsePrinted(out []byte, stem string) (title, path string) {
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return "", ""
	}
	if last := lines[len(lines)-1]; strings.HasPrefix(last, stem) {
		path = last
		lines = lines[:len(lines)-1]
	}
	if len(lines) > 0 {
		title = lines[0]
	}
	return title, path
}

// SocialAlbum downloads every image of a social post through gallery-dl.
type SocialAlbum struct {
	Tools   ToolRunner
	Bin     string
	TempDir string
	Guard   media.Guard
	Timeout time.Duration
}

// Fetch returns the post's files in the order gallery-dl numbered them. Files over the
// upload ceiling are dropped; if every file is dropped the error is media.ErrUploadTooBig.
func (s *SocialAlbum) Fetch(ctx context.Context, ref content.Ref) ([]*media.Artifact, error) {
	start := time.Now()
	arts, err := s.fetch(ctx, ref)
	telemetry.RecordFetch("social_album", time.Since(start), ReasonLabel(err))
	return arts, err
}

func (s *SocialAlbum) fetch(ctx context.Context, ref content.Ref) ([]*media.Artifact, error) {
	dir := media.TempName(s.TempDir, "")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir album dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("remove album dir", slog.String("dir", dir), slog.Any("err", err))
		}
	}()

	runCtx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()
	args := []string{"--quiet", "-D", dir, "--filename", "{num:>03}.{extension}"}
	if s.Guard.FetchCeiling > 0 {
		args = append(args, "--filesize-max", fmt.Sprintf("%d", s.Guard.FetchCeiling))
	}
	args = append(args, ref.Locator)
	if _, err := s.Tools.Run(runCtx, s.Bin, args...); err != nil {
		return nil, toolError(ctx, "social_album", ref.Locator, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read album dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var arts []*media.Artifact
	dropped := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		// move out of the album dir so the artifact outlives it
		dst := media.TempName(s.TempDir, filepath.Ext(e.Name()))
		if err := os.Rename(filepath.Join(dir, e.Name()), dst); err != nil {
			for _, a := range arts {
				_ = a.Remove()
			}
			return nil, fmt.Errorf("move album item: %w", err)
		}
		a, err := media.Adopt(dst)
		if err != nil {
			_ = media.Remove(dst)
			continue
		}
		if err := s.Guard.CheckDeliverable(a); err != nil {
			dropped++
			slog.Info("album item dropped", slog.String("component", "fetch"), slog.Any("err", err))
			continue
		}
		arts = append(arts, a)
	}
	if len(arts) == 0 {
		if dropped > 0 {
			return nil, newError("social_album", ref.Locator, media.ErrUploadTooBig, nil)
		}
		return nil, newError("social_album", ref.Locator, ErrNoMediaFound, nil)
	}
	return arts, nil
}

func toolError(parent context.Context, adapter, locator string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var ce *tools.CommandError
	if errors.As(err, &ce) && errors.Is(ce.Err, context.DeadlineExceeded) {
		return newError(adapter, locator, ErrNetworkTimeout, err)
	}
	return newError(adapter, locator, ErrUndownloadable, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func removeMatching(pattern string) {
	matches, _ := filepath.Glob(pattern)
	for _, m := range matches {
		_ = media.Remove(m)
	}
}
