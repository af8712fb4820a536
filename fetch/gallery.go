package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ChaikaBogdan/memes2telegram/content"
	"github.com/ChaikaBogdan/memes2telegram/telemetry"
)

// DefaultPostMarker is the path fragment shared by every image that belongs to a post body.
const DefaultPostMarker = "/pics/post/"

// Gallery extracts the image locators of a gallery post page.
type Gallery struct {
	Client  *http.Client
	Timeout time.Duration
	// Marker selects post images by src substring; empty means DefaultPostMarker.
	Marker string
}

// Locators fetches the post page and returns the image URLs in page order.
func (g *Gallery) Locators(ctx context.Context, ref content.Ref) ([]string, error) {
	start := time.Now()
	out, err := g.locators(ctx, ref)
	telemetry.RecordFetch("gallery", time.Since(start), ReasonLabel(err))
	return out, err
}

func (g *Gallery) locators(ctx context.Context, ref content.Ref) ([]string, error) {
	reqCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ref.Locator, nil)
	if err != nil {
		return nil, newError("gallery", ref.Locator, ErrUndownloadable, err)
	}
	content.SetSourceHeaders(req)
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, wrapTransport(ctx, "gallery", ref.Locator, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError("gallery", ref.Locator, ErrUndownloadable, fmt.Errorf("status %d", resp.StatusCode))
	}

	base, _ := url.Parse(ref.Locator)
	marker := g.Marker
	if marker == "" {
		marker = DefaultPostMarker
	}
	locs, err := ExtractLocators(resp.Body, base, marker)
	if err != nil {
		if isTimeout(err) || errors.Is(err, context.Canceled) {
			return nil, wrapTransport(ctx, "gallery", ref.Locator, err)
		}
		return nil, newError("gallery", ref.Locator, ErrUndownloadable, err)
	}
	if len(locs) == 0 {
		return nil, newError("gallery", ref.Locator, ErrNoMediaFound, nil)
	}
	return locs, nil
}

// ExtractLocators parses an HTML document and returns the absolute URLs of <img> sources
// containing marker. Protocol-relative sources get the https scheme, relative ones are
// resolved against base. Duplicates are dropped, first occurrence wins.
func ExtractLocators(r io.Reader, base *url.URL, marker string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse post page: %w", err)
	}
	seen := make(map[string]struct{})
	var out []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		if !strings.Contains(src, marker) {
			return
		}
		abs := resolve(base, src)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out, nil
}

func resolve(base *url.URL, src string) string {
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		if base == nil {
			return ""
		}
		u = base.ResolveReference(u)
	}
	return u.String()
}
