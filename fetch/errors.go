// Package fetch downloads the content behind a classified link into local temp artifacts.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"github.com/ChaikaBogdan/memes2telegram/media"
)

var (
	// ErrUndownloadable means the origin served something we cannot relay (HTML, 404, unsupported type).
	ErrUndownloadable = errors.New("undownloadable")
	// ErrTooLarge means the content exceeds the fetch ceiling.
	ErrTooLarge = media.ErrTooLarge
	// ErrNoMediaFound means a gallery or album contained nothing to relay.
	ErrNoMediaFound = errors.New("no media found")
	// ErrNetworkTimeout means the origin did not answer within the deadline.
	ErrNetworkTimeout = errors.New("network timeout")
)

// Error is a failed fetch. It matches both its taxonomy reason and the underlying cause
// with errors.Is.
type Error struct {
	Adapter string
	Locator string
	Reason  error
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil || e.Err == e.Reason {
		return Redact(fmt.Sprintf("%s fetch %s: %v", e.Adapter, e.Locator, e.Reason))
	}
	return Redact(fmt.Sprintf("%s fetch %s: %v: %v", e.Adapter, e.Locator, e.Reason, e.Err))
}

// Bot API file links embed the bot token in the path.
var botTokenPath = regexp.MustCompile(`/bot\d+:[A-Za-z0-9_-]+`)

// Redact hides bot tokens inside Telegram file URLs.
func Redact(s string) string { return botTokenPath.ReplaceAllString(s, "/bot<redacted>") }

func (e *Error) Unwrap() []error { return []error{e.Reason, e.Err} }

// ReasonLabel is a short metric label for the failure reason.
func ReasonLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNetworkTimeout):
		return "timeout"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, media.ErrUploadTooBig):
		return "upload_too_big"
	case errors.Is(err, ErrNoMediaFound):
		return "no_media"
	case errors.Is(err, ErrUndownloadable):
		return "undownloadable"
	default:
		return "other"
	}
}

func newError(adapter, locator string, reason, cause error) *Error {
	return &Error{Adapter: adapter, Locator: locator, Reason: reason, Err: cause}
}

// wrapTransport turns a transport-level failure into a fetch error, recognizing deadlines.
// A canceled parent context is returned untouched so shutdown is not reported as a fetch failure.
func wrapTransport(parent context.Context, adapter, locator string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if isTimeout(err) {
		return newError(adapter, locator, ErrNetworkTimeout, err)
	}
	return newError(adapter, locator, ErrUndownloadable, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ErrorClass represents whether a failed fetch is worth another attempt.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	serverPatterns = []string{
		"status 500", "status 502", "status 503", "status 504",
		"http error 500", "http error 502", "http error 503", "http error 504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
	}
	fatalPatterns = []string{
		"login required", "must be logged in", "private", "401", "403", "access denied", "unauthorized",
		"404", "not found", "deleted", "no longer available", "does not exist",
		"no video formats found", "unable to extract", "unsupported url", "invalid url",
		"drm protected",
	}
	transientPatterns = []string{
		"connection reset", "connection refused", "connection timed out", "timeout",
		"temporary failure in name resolution", "no route to host", "network unreachable",
		"eof", "broken pipe",
		"429", "too many requests", "rate limit", "throttled",
		"partial content", "fragment", "incomplete",
	}

	serverMatcher    = ahocorasick.NewStringMatcher(serverPatterns)
	fatalMatcher     = ahocorasick.NewStringMatcher(fatalPatterns)
	transientMatcher = ahocorasick.NewStringMatcher(transientPatterns)
)

// ClassifyError decides whether a fetch failure is transient. Taxonomy reasons are
// classified first; tool and transport messages fall back to pattern matching, with
// server errors checked before the broader fatal patterns.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, context.Canceled):
		return ErrorClassFatal
	case errors.Is(err, ErrNetworkTimeout):
		return ErrorClassRetryable
	case errors.Is(err, ErrTooLarge), errors.Is(err, media.ErrUploadTooBig),
		errors.Is(err, ErrNoMediaFound), errors.Is(err, media.ErrUnsupportedType):
		return ErrorClassFatal
	}

	msg := []byte(strings.ToLower(causeMessage(err)))
	switch {
	case serverMatcher.Contains(msg):
		return ErrorClassRetryable
	case fatalMatcher.Contains(msg):
		return ErrorClassFatal
	case transientMatcher.Contains(msg):
		return ErrorClassRetryable
	}
	if errors.Is(err, ErrUndownloadable) {
		return ErrorClassFatal
	}
	return ErrorClassUnknown
}

// causeMessage strips locators from the text that gets pattern matched, so a URL containing
// "404" cannot decide the class.
func causeMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Err != nil {
		err = fe.Err
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	return err.Error()
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	return ClassifyError(err) == ErrorClassRetryable
}
