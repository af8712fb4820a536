package content

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ChaikaBogdan/memes2telegram/media"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// SetSourceHeaders makes a request look like it came from a page on the same site. Several
// media hosts refuse hotlinked requests without a matching Referer.
func SetSourceHeaders(req *http.Request) {
	u := req.URL
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String())
}

// ProbeResult is what a HEAD request revealed. Size is -1 when the server did not say.
type ProbeResult struct {
	ContentType string
	Size        int64
}

// Unknown reports whether the probe learned nothing.
func (r ProbeResult) Unknown() bool { return r.ContentType == "" && r.Size < 0 }

// Refine re-types generic refs by the probed content type. Other kinds pass through.
func (r ProbeResult) Refine(ref Ref) Ref {
	switch ref.Kind {
	case GenericVideo, GenericImage, Unknown:
	default:
		return ref
	}
	switch {
	case media.IsSupportedImage(r.ContentType):
		ref.Kind = GenericImage
	case media.IsSupportedVideo(r.ContentType):
		ref.Kind = GenericVideo
	}
	return ref
}

// Prober issues HEAD requests with a short deadline and remembers the answers for a while.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	cache   *expirable.LRU[string, ProbeResult]
}

// NewProber returns a Prober. A nil client means http.DefaultClient.
func NewProber(client *http.Client, timeout, ttl time.Duration) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return &Prober{
		client:  client,
		timeout: timeout,
		cache:   expirable.NewLRU[string, ProbeResult](256, nil, ttl),
	}
}

// Probe asks the origin for the content type and length of ref.
func (p *Prober) Probe(ctx context.Context, ref Ref) (ProbeResult, error) {
	if r, ok := p.cache.Get(ref.Locator); ok {
		return r, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref.Locator, nil)
	if err != nil {
		return ProbeResult{Size: -1}, fmt.Errorf("build probe request: %w", err)
	}
	SetSourceHeaders(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Size: -1}, fmt.Errorf("probe %s: %w", ref.SourceDomain, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{Size: -1}, fmt.Errorf("probe %s: status %d", ref.SourceDomain, resp.StatusCode)
	}
	r := ProbeResult{ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength}
	p.cache.Add(ref.Locator, r)
	return r, nil
}

// ProbeOrAssume is Probe that fails open: any error yields an empty result, which
// downstream treats as "assume downloadable".
func (p *Prober) ProbeOrAssume(ctx context.Context, ref Ref) ProbeResult {
	r, err := p.Probe(ctx, ref)
	if err != nil {
		slog.Debug("probe failed, assuming downloadable",
			slog.String("component", "probe"),
			slog.String("domain", ref.SourceDomain),
			slog.Any("err", err))
		return ProbeResult{Size: -1}
	}
	return r
}
