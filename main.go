// Command memes2telegram is the relay bot. It:
//   - Loads configuration and initializes structured logging.
//   - Wires the classifier, fetch adapters, converter and Telegram sink into the relay.
//   - Runs the job scheduler, the temp file sweeper and the Telegram long-poll receiver.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ChaikaBogdan/memes2telegram/config"
	"github.com/ChaikaBogdan/memes2telegram/content"
	"github.com/ChaikaBogdan/memes2telegram/convert"
	"github.com/ChaikaBogdan/memes2telegram/fetch"
	"github.com/ChaikaBogdan/memes2telegram/jobs"
	"github.com/ChaikaBogdan/memes2telegram/media"
	"github.com/ChaikaBogdan/memes2telegram/relay"
	"github.com/ChaikaBogdan/memes2telegram/server"
	"github.com/ChaikaBogdan/memes2telegram/telegram"
	"github.com/ChaikaBogdan/memes2telegram/telemetry"
	"github.com/ChaikaBogdan/memes2telegram/tools"
)

// exitConfig is EX_CONFIG from sysexits.h.
const exitConfig = 78

const version = "2.0.0"

func main() {
	// local dev convenience only; production relies on real env
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingToken) {
			slog.Error("BOT_TOKEN is not set; get one from @BotFather")
		} else {
			slog.Error("invalid configuration", slog.Any("err", err))
		}
		os.Exit(exitConfig)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("memes2telegram", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := tools.NewRunner(cfg.ToolCacheTTL)
	requiredTools := []string{cfg.FFmpegBin, cfg.FFprobeBin, cfg.YTDLPBin, cfg.GalleryDLBin}
	if err := runner.Check(requiredTools...); err != nil {
		// links needing the missing tool fail per request; /readyz reports it
		slog.Warn("external tool missing", slog.Any("err", err))
	}

	guard := media.Guard{FetchCeiling: cfg.FetchCeiling, UploadCeiling: cfg.UploadCeiling, PhotoCeiling: cfg.PhotoCeiling}
	httpClient := &http.Client{}

	bot, err := telegram.New(telegram.Options{
		Token:         cfg.BotToken,
		Endpoint:      cfg.APIEndpoint,
		UploadTimeout: cfg.UploadTimeout,
		Rate:          cfg.SendRate,
		Burst:         cfg.SendBurst,
	})
	if err != nil {
		slog.Error("telegram login failed", slog.Any("err", err))
		os.Exit(1)
	}
	botUsername := cfg.BotUsername
	if botUsername == "" {
		botUsername = bot.Username()
	}

	svc := relay.New(relay.Deps{
		Sink:    bot,
		Prober:  content.NewProber(httpClient, cfg.ProbeTimeout, cfg.ToolCacheTTL),
		Generic: &fetch.Generic{Client: httpClient, TempDir: cfg.TempDir, Ceiling: cfg.FetchCeiling, Timeout: cfg.DownloadTimeout, ImageTimeout: cfg.ImageTimeout},
		Gallery: &fetch.Gallery{Client: httpClient, Timeout: cfg.PageTimeout},
		Video:   &fetch.SocialVideo{Tools: runner, Bin: cfg.YTDLPBin, TempDir: cfg.TempDir, Guard: guard, Timeout: cfg.DownloadTimeout},
		Album:   &fetch.SocialAlbum{Tools: runner, Bin: cfg.GalleryDLBin, TempDir: cfg.TempDir, Guard: guard, Timeout: cfg.DownloadTimeout},
		Converter: &convert.Converter{
			Tools:   runner,
			FFmpeg:  cfg.FFmpegBin,
			FFprobe: cfg.FFprobeBin,
			TempDir: cfg.TempDir,
			Policy: convert.Policy{
				MaxEdge:     cfg.MaxEdge,
				MinFPS:      cfg.MinFPS,
				MinDuration: cfg.MinDuration,
				MaxLoops:    cfg.MaxLoops,
			},
			MaxImageEdge: cfg.MaxImageEdge,
			CRF:          cfg.CRF,
			Threads:      cfg.Threads,
			Pool:         convert.NewPool(cfg.ConvertWorkers),
		},
		Files: bot,
		Guard: guard,
	}, relay.Settings{
		BotUsername:      botUsername,
		DeleteSource:     cfg.DeleteSource,
		AlbumSize:        cfg.AlbumSize,
		BatchDelay:       cfg.BatchDelay,
		GalleryDelay:     cfg.GalleryDelay,
		FetchMaxAttempts: cfg.FetchMaxAttempts,
		RetryBackoff:     cfg.RetryBackoff,
		GalleryWorkers:   cfg.GalleryWorkers,
	})
	sched := jobs.NewScheduler(svc, jobs.Options{OnFailure: svc.OnFailure})
	svc.UseQueue(sched)

	go sched.Run(ctx)
	go func() {
		err := media.StartSweepJob(ctx, media.SweepPolicy{
			Dir:      cfg.TempDir,
			MaxAge:   cfg.SweepMaxAge,
			Interval: cfg.SweepInterval,
			Schedule: cfg.SweepSchedule,
			DryRun:   cfg.SweepDryRun,
		})
		if err != nil {
			slog.Error("temp sweep not started", slog.Any("err", err))
		}
	}()

	go func() {
		deps := server.Deps{
			BotUsername: botUsername,
			Started:     time.Now(),
			Jobs:        sched,
			Checks: []server.Check{
				{Name: "scheduler", Fn: sched.Ready},
				{Name: "tools", Fn: func(context.Context) error { return runner.Check(requiredTools...) }},
			},
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("bot started", slog.String("username", botUsername), slog.String("version", version))
	bot.Listen(ctx, svc, cfg.PollTimeoutSec)

	slog.Info("shutting down")
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	dropped, err := sched.Close(closeCtx)
	if err != nil {
		slog.Warn("running jobs did not finish in time", slog.Any("err", err))
	}
	slog.Info("scheduler drained", slog.Int("dropped_jobs", dropped))
}

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}
