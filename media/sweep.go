package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChaikaBogdan/memes2telegram/telemetry"
)

// SweepPolicy defines which leftover temp files get removed.
type SweepPolicy struct {
	// Dir is scanned non-recursively for TempPrefix entries.
	Dir string
	// MaxAge: entries modified longer ago than this are orphans (0 = disabled)
	MaxAge time.Duration
	// Interval: how often to sweep
	Interval time.Duration
	// Schedule is a five-field cron spec; when set it replaces Interval.
	Schedule string
	// DryRun: log what would be removed without removing it
	DryRun bool
}

func (p SweepPolicy) spec() string {
	if p.Schedule != "" {
		return p.Schedule
	}
	if p.Interval > 0 {
		return "@every " + p.Interval.String()
	}
	return ""
}

// StartSweepJob periodically removes temp files left behind by crashed or killed runs.
// Job scopes clean up after themselves; this only catches what a process exit skipped.
// It blocks until ctx is done and an in-flight sweep has finished.
func StartSweepJob(ctx context.Context, policy SweepPolicy) error {
	logger := slog.Default().With(slog.String("component", "temp_sweep"))
	if policy.MaxAge <= 0 || policy.spec() == "" {
		logger.Info("temp sweep disabled")
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(policy.spec(), func() { sweepOnce(policy, logger) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", policy.spec(), err)
	}
	logger.Info("temp sweep starting",
		slog.String("dir", policy.Dir),
		slog.Duration("max_age", policy.MaxAge),
		slog.String("schedule", policy.spec()),
		slog.Bool("dry_run", policy.DryRun))

	sweepOnce(policy, logger)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("temp sweep stopped")
	return nil
}

func sweepOnce(policy SweepPolicy, logger *slog.Logger) {
	if _, err := Sweep(policy, time.Now()); err != nil {
		logger.Warn("temp sweep failed", slog.Any("err", err))
	}
}

// Sweep performs a single pass and returns how many entries were removed (or would be, in dry-run).
func Sweep(policy SweepPolicy, now time.Time) (int, error) {
	logger := slog.Default().With(
		slog.String("component", "temp_sweep"),
		slog.Bool("dry_run", policy.DryRun),
	)
	entries, err := os.ReadDir(policy.Dir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	cutoff := now.Add(-policy.MaxAge)
	removed := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(policy.Dir, e.Name())
		if policy.DryRun {
			logger.Info("would remove orphaned temp entry", slog.String("path", path), slog.Time("mtime", info.ModTime()))
			removed++
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("remove orphaned temp entry", slog.String("path", path), slog.Any("err", err))
			continue
		}
		logger.Debug("removed orphaned temp entry", slog.String("path", path))
		removed++
	}
	if removed > 0 && !policy.DryRun {
		telemetry.AddTempFilesSwept(removed)
		logger.Info("temp sweep complete", slog.Int("removed", removed))
	}
	return removed, nil
}
