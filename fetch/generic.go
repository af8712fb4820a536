package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ChaikaBogdan/memes2telegram/content"
	"github.com/ChaikaBogdan/memes2telegram/media"
	"github.com/ChaikaBogdan/memes2telegram/telemetry"
)

// Generic streams direct media links to temp files.
type Generic struct {
	Client       *http.Client
	TempDir      string
	Ceiling      int64
	Timeout      time.Duration
	ImageTimeout time.Duration
}

// Fetch downloads ref into a temp artifact. The probe result, when known, rejects
// unsupported types and oversized content before any bytes are transferred.
func (g *Generic) Fetch(ctx context.Context, ref content.Ref, probe content.ProbeResult) (*media.Artifact, error) {
	start := time.Now()
	a, err := g.fetch(ctx, "generic", ref.Locator, probe, g.Timeout, acceptMedia)
	telemetry.RecordFetch("generic", time.Since(start), ReasonLabel(err))
	return a, err
}

// FetchImage downloads a single gallery image.
func (g *Generic) FetchImage(ctx context.Context, locator string) (*media.Artifact, error) {
	start := time.Now()
	a, err := g.fetch(ctx, "image", locator, content.ProbeResult{Size: -1}, g.ImageTimeout, acceptImage)
	telemetry.RecordFetch("image", time.Since(start), ReasonLabel(err))
	return a, err
}

func acceptMedia(ct string) bool { return media.IsSupportedVideo(ct) || media.IsSupportedImage(ct) }

func acceptImage(ct string) bool {
	return strings.HasPrefix(strings.ToLower(ct), "image/")
}

// opaque content types some hosts use for everything; the guard sniffs the bytes later
func isOpaque(ct string) bool {
	ct, _, _ = strings.Cut(strings.ToLower(ct), ";")
	return ct == "" || ct == "application/octet-stream" || ct == "binary/octet-stream"
}

func (g *Generic) fetch(ctx context.Context, adapter, locator string, probe content.ProbeResult, timeout time.Duration, accept func(string) bool) (*media.Artifact, error) {
	if !isOpaque(probe.ContentType) && !accept(probe.ContentType) {
		return nil, newError(adapter, locator, ErrUndownloadable, fmt.Errorf("content type %q", probe.ContentType))
	}
	if g.Ceiling > 0 && probe.Size > g.Ceiling {
		return nil, newError(adapter, locator, ErrTooLarge, fmt.Errorf("content length %d", probe.Size))
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, newError(adapter, locator, ErrUndownloadable, err)
	}
	content.SetSourceHeaders(req)
	resp, err := g.client().Do(req)
	if err != nil {
		return nil, wrapTransport(ctx, adapter, locator, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(adapter, locator, ErrUndownloadable, fmt.Errorf("status %d", resp.StatusCode))
	}
	ct := resp.Header.Get("Content-Type")
	if !isOpaque(ct) && !accept(ct) {
		return nil, newError(adapter, locator, ErrUndownloadable, fmt.Errorf("content type %q", ct))
	}
	if g.Ceiling > 0 && resp.ContentLength > g.Ceiling {
		return nil, newError(adapter, locator, ErrTooLarge, fmt.Errorf("content length %d", resp.ContentLength))
	}

	f, a, err := media.CreateTemp(g.TempDir, extFor(locator, ct))
	if err != nil {
		return nil, err
	}
	body := io.Reader(resp.Body)
	if g.Ceiling > 0 {
		body = io.LimitReader(resp.Body, g.Ceiling+1)
	}
	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = a.Remove()
		return nil, wrapTransport(ctx, adapter, locator, copyErr)
	case closeErr != nil:
		_ = a.Remove()
		return nil, fmt.Errorf("close temp file: %w", closeErr)
	case g.Ceiling > 0 && n > g.Ceiling:
		_ = a.Remove()
		return nil, newError(adapter, locator, ErrTooLarge, fmt.Errorf("body exceeds %d bytes", g.Ceiling))
	}
	a.Size = n
	a.MIME = ct
	slog.Debug("fetched", slog.String("component", "fetch"), slog.String("adapter", adapter), slog.Int64("bytes", n))
	return a, nil
}

func (g *Generic) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return http.DefaultClient
}

var knownExts = map[string]bool{
	".mp4": true, ".webm": true, ".gif": true, ".mov": true, ".m4v": true,
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
}

var typeExts = map[string]string{
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"image/gif":  ".gif",
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// extFor picks a file extension from the URL path, then the content type. Hosts like the
// DTF CDN serve mp4 from extensionless paths.
func extFor(locator, contentType string) string {
	if u, err := url.Parse(locator); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); knownExts[ext] {
			return ext
		}
	}
	ct, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	if ext, ok := typeExts[strings.TrimSpace(ct)]; ok {
		return ext
	}
	if strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return ".jpg"
	}
	return ".mp4"
}
