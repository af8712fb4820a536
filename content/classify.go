// Package content decides what a chat message points at. Classification is pure string
// work over the URL; the optional remote probe lives in probe.go.
package content

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Kind is the category of content a link resolves to.
type Kind int

const (
	Unknown Kind = iota
	GenericVideo
	GenericImage
	GalleryPost
	SocialVideo
	SocialImageAlbum
)

func (k Kind) String() string {
	switch k {
	case GenericVideo:
		return "generic_video"
	case GenericImage:
		return "generic_image"
	case GalleryPost:
		return "gallery_post"
	case SocialVideo:
		return "social_video"
	case SocialImageAlbum:
		return "social_image_album"
	default:
		return "unknown"
	}
}

// Ref is a classified link. For any Kind other than Unknown, Locator is an absolute URL.
type Ref struct {
	Kind         Kind
	Locator      string
	SourceDomain string
}

var (
	ErrEmptyInput = errors.New("empty message")
	ErrNotALink   = errors.New("not a link")
)

// ClassifyError wraps ErrEmptyInput or ErrNotALink with the offending input.
type ClassifyError struct {
	Input string
	Err   error
}

func (e *ClassifyError) Error() string { return fmt.Sprintf("classify %q: %v", e.Input, e.Err) }
func (e *ClassifyError) Unwrap() error { return e.Err }

var linkSchemes = map[string]bool{"http": true, "https": true, "ftp": true, "ftps": true}

// ParseLink validates text as an absolute link. A bare domain without a scheme is not a link.
func ParseLink(text string) (*url.URL, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ClassifyError{Input: text, Err: ErrEmptyInput}
	}
	if strings.ContainsAny(text, " \t\r\n") {
		return nil, &ClassifyError{Input: text, Err: ErrNotALink}
	}
	u, err := url.Parse(text)
	if err != nil || !linkSchemes[strings.ToLower(u.Scheme)] || u.Hostname() == "" || u.Opaque != "" {
		return nil, &ClassifyError{Input: text, Err: ErrNotALink}
	}
	return u, nil
}

type matcher struct {
	name  string
	kind  Kind
	match func(host, p string) bool
}

var (
	videoExts = map[string]bool{".mp4": true, ".webm": true, ".gif": true, ".mov": true, ".m4v": true}
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}
	// hosts serving videos without a file extension in the path
	videoHosts = []string{"leonardo.osnova.io"}
)

// matchers is evaluated in order; the first hit wins.
var matchers = []matcher{
	{"tiktok", SocialVideo, func(host, _ string) bool { return hostIs(host, "tiktok.com") }},
	{"instagram-reel", SocialVideo, func(host, p string) bool {
		return hostIs(host, "instagram.com") && (strings.HasPrefix(p, "/reel/") || strings.HasPrefix(p, "/reels/"))
	}},
	{"youtube-shorts", SocialVideo, func(host, p string) bool {
		return hostIs(host, "youtube.com") && strings.HasPrefix(p, "/shorts/")
	}},
	{"instagram-post", SocialImageAlbum, func(host, p string) bool {
		return hostIs(host, "instagram.com") && strings.HasPrefix(p, "/p/")
	}},
	// joyreactor.cc, reactor.cc and the fandom mirrors like anime.reactor.cc
	{"reactor-post", GalleryPost, func(host, p string) bool {
		return strings.HasSuffix(host, "reactor.cc") && strings.HasPrefix(p, "/post")
	}},
	{"video-host", GenericVideo, func(host, _ string) bool {
		for _, h := range videoHosts {
			if hostIs(host, h) {
				return true
			}
		}
		return false
	}},
	{"video-ext", GenericVideo, func(_, p string) bool { return videoExts[strings.ToLower(path.Ext(p))] }},
	{"image-ext", GenericImage, func(_, p string) bool { return imageExts[strings.ToLower(path.Ext(p))] }},
}

// Classify turns user text into a Ref. It never performs I/O. Valid links that no matcher
// recognizes are optimistically treated as GenericVideo.
func Classify(text string) (Ref, error) {
	u, err := ParseLink(text)
	if err != nil {
		return Ref{}, err
	}
	host := strings.ToLower(u.Hostname())
	ref := Ref{
		Kind:         GenericVideo,
		Locator:      u.String(),
		SourceDomain: strings.TrimPrefix(host, "www."),
	}
	for _, m := range matchers {
		if m.match(host, u.EscapedPath()) {
			ref.Kind = m.kind
			break
		}
	}
	return ref, nil
}

// hostIs reports whether host is domain or one of its subdomains.
func hostIs(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
