// Package tools runs the external media programs (ffmpeg, ffprobe, yt-dlp, gallery-dl).
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ChaikaBogdan/memes2telegram/telemetry"
)

// ErrNotFound is returned when a tool is not on PATH.
var ErrNotFound = errors.New("tool not found")

const (
	pathCacheSize = 32
	maxDiagnostic = 4 << 10
)

// CommandError describes a failed tool invocation. Diagnostic holds the tail of stderr.
type CommandError struct {
	Tool       string
	Args       []string
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *CommandError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("%s exited with %d: %s", e.Tool, e.ExitCode, e.Diagnostic)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner resolves tool binaries through a bounded TTL cache and executes them.
type Runner struct {
	paths    *expirable.LRU[string, string]
	lookPath func(string) (string, error)
}

// NewRunner returns a Runner caching resolved paths for ttl.
func NewRunner(ttl time.Duration) *Runner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Runner{
		paths:    expirable.NewLRU[string, string](pathCacheSize, nil, ttl),
		lookPath: exec.LookPath,
	}
}

// Resolve returns the absolute path of name, the equivalent of `which name`.
func (r *Runner) Resolve(name string) (string, error) {
	if p, ok := r.paths.Get(name); ok {
		return p, nil
	}
	p, err := r.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	r.paths.Add(name, p)
	return p, nil
}

// Check resolves every name and reports the first missing one.
func (r *Runner) Check(names ...string) error {
	for _, n := range names {
		if _, err := r.Resolve(n); err != nil {
			return err
		}
	}
	return nil
}

// Run executes name with args and returns stdout. A non-zero exit, a missing binary or a
// context deadline come back as *CommandError carrying stderr for diagnostics.
func (r *Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	bin, err := r.Resolve(name)
	if err != nil {
		return nil, &CommandError{Tool: name, Args: args, ExitCode: -1, Err: err}
	}
	ctx, span := telemetry.StartSpan(ctx, "tools", "tool."+name, telemetry.ToolAttrs(name, len(args))...)
	defer span.End()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	slog.Debug("tool finished",
		slog.String("component", "tools"),
		slog.String("tool", name),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("ok", err == nil))
	if err == nil {
		telemetry.SetToolExit(span, 0)
		telemetry.SetSpanSuccess(span)
		return stdout.Bytes(), nil
	}
	ce := &CommandError{Tool: name, Args: args, ExitCode: -1, Diagnostic: tail(stderr.String(), maxDiagnostic), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		ce.Err = ctxErr
	}
	telemetry.SetToolExit(span, ce.ExitCode)
	telemetry.RecordError(span, ce)
	return stdout.Bytes(), ce
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
