package media

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrTooLarge means a fetched file exceeds the advisory fetch ceiling.
	ErrTooLarge = errors.New("content too large")
	// ErrUploadTooBig means a file exceeds what the chat platform accepts for upload.
	ErrUploadTooBig = errors.New("upload too big")
	// ErrUnsupportedType means the sniffed content type is neither a supported video nor image.
	ErrUnsupportedType = errors.New("unsupported content type")
)

var supportedVideo = map[string]bool{
	"video/mp4":  true,
	"image/gif":  true,
	"video/webm": true,
}

var supportedImage = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// IsSupportedVideo reports whether a content type is one of the accepted video types.
// Parameters such as "; charset=" are ignored.
func IsSupportedVideo(contentType string) bool { return supportedVideo[baseType(contentType)] }

// IsSupportedImage reports whether a content type is one of the accepted image types.
func IsSupportedImage(contentType string) bool { return supportedImage[baseType(contentType)] }

// KindFor maps a supported content type to the way it is delivered.
func KindFor(contentType string) Kind {
	ct := baseType(contentType)
	switch {
	case ct == "image/gif":
		return KindAnimation
	case supportedVideo[ct]:
		return KindVideo
	case supportedImage[ct]:
		return KindPhoto
	default:
		return KindUnknown
	}
}

func baseType(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// LimitError carries the numbers behind a size violation.
type LimitError struct {
	Path  string
	Size  int64
	Limit int64
	Err   error
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: %d bytes exceeds %d", e.Err, e.Size, e.Limit)
}

func (e *LimitError) Unwrap() error { return e.Err }

// Guard validates artifacts between pipeline stages.
type Guard struct {
	FetchCeiling  int64
	UploadCeiling int64
	PhotoCeiling  int64
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (g Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Detect sniffs the artifact's content type from its bytes and sets MIME and Kind.
func Detect(a *Artifact) error {
	m, err := mimetype.DetectFile(a.Path)
	if err != nil {
		return fmt.Errorf("detect content type: %w", err)
	}
	a.MIME = m.String()
	// mimetype reports some mp4 brands under a parent type
	for p := m; p != nil && KindFor(a.MIME) == KindUnknown; p = p.Parent() {
		if KindFor(p.String()) != KindUnknown {
			a.MIME = p.String()
		}
	}
	a.Kind = KindFor(a.MIME)
	return nil
}

// CheckFetched validates a freshly downloaded artifact against the fetch ceiling and the
// supported type sets.
func (g Guard) CheckFetched(a *Artifact) error {
	if err := a.Refresh(); err != nil {
		return fmt.Errorf("stat fetched file: %w", err)
	}
	if g.FetchCeiling > 0 && a.Size > g.FetchCeiling {
		return &LimitError{Path: a.Path, Size: a.Size, Limit: g.FetchCeiling, Err: ErrTooLarge}
	}
	if err := Detect(a); err != nil {
		return err
	}
	if a.Kind == KindUnknown {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, a.MIME)
	}
	return nil
}

// CheckDeliverable enforces the upload ceiling. Oversized artifacts are deleted before the
// error is returned. Photos above the photo ceiling are demoted to documents.
func (g Guard) CheckDeliverable(a *Artifact) error {
	if err := a.Refresh(); err != nil {
		return fmt.Errorf("stat deliverable: %w", err)
	}
	if g.UploadCeiling > 0 && a.Size > g.UploadCeiling {
		size := a.Size
		if err := a.Remove(); err != nil {
			g.logger().Warn("oversized artifact cleanup failed",
				slog.String("component", "media"),
				slog.String("path", a.Path),
				slog.Int64("size", size),
				slog.Any("err", err))
		}
		return &LimitError{Path: a.Path, Size: size, Limit: g.UploadCeiling, Err: ErrUploadTooBig}
	}
	if a.Kind == KindPhoto && g.PhotoCeiling > 0 && a.Size > g.PhotoCeiling {
		a.Kind = KindDocument
	}
	return nil
}
