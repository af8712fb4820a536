// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the bot can run locally with only BOT_TOKEN set. An optional
// YAML file named by CONFIG_FILE supplies values for variables the environment leaves unset.
// Use Validate before starting anything that talks to Telegram.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingToken is returned by Validate when BOT_TOKEN is empty.
var ErrMissingToken = errors.New("missing BOT_TOKEN")

// MB is one mebibyte, the unit used by the *_MB size variables.
const MB = 1 << 20

type Config struct {
	// Telegram
	BotToken       string
	BotUsername    string // optional; resolved from getMe when empty
	APIEndpoint    string
	DeleteSource   bool
	SendRate       float64 // outbound calls per second
	SendBurst      int
	UploadTimeout  time.Duration
	PollTimeoutSec int

	// Fetching
	ProbeTimeout     time.Duration
	DownloadTimeout  time.Duration
	ImageTimeout     time.Duration
	PageTimeout      time.Duration
	FetchCeiling     int64 // advisory, checked before download
	UploadCeiling    int64 // authoritative, checked before upload
	PhotoCeiling     int64
	FetchMaxAttempts int
	RetryBackoff     time.Duration
	GalleryWorkers   int

	// Delivery
	AlbumSize    int
	BatchDelay   time.Duration
	GalleryDelay time.Duration

	// Conversion
	MaxEdge        int
	MaxImageEdge   int
	MinFPS         int
	MinDuration    time.Duration
	MaxLoops       int
	CRF            int
	Threads        int
	ConvertWorkers int

	// External tools
	FFmpegBin    string
	FFprobeBin   string
	YTDLPBin     string
	GalleryDLBin string
	ToolCacheTTL time.Duration

	// Storage
	TempDir       string
	SweepInterval time.Duration
	SweepSchedule string // cron spec, overrides SweepInterval
	SweepMaxAge   time.Duration
	SweepDryRun   bool

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if BOT_TOKEN is missing;
// call Validate for that. Malformed numeric or duration values are reported as errors.
func Load() (*Config, error) {
	l := &loader{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		l.file = file
	}
	cfg := &Config{}

	cfg.BotToken = strings.TrimSpace(l.get("BOT_TOKEN"))
	cfg.BotUsername = strings.TrimPrefix(strings.TrimSpace(l.get("BOT_USERNAME")), "@")
	cfg.APIEndpoint = l.get("TELEGRAM_API_ENDPOINT")
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = "https://api.telegram.org/bot%s/%s"
	}
	cfg.DeleteSource = l.getBool("DELETE_SOURCE_MESSAGE", true)
	cfg.SendRate = l.getFloat("TELEGRAM_SEND_RATE", 20)
	cfg.SendBurst = l.getInt("TELEGRAM_SEND_BURST", 5)
	cfg.UploadTimeout = l.getDuration("UPLOAD_TIMEOUT", 180*time.Second)
	cfg.PollTimeoutSec = l.getInt("TELEGRAM_POLL_TIMEOUT", 60)

	cfg.ProbeTimeout = l.getDuration("PROBE_TIMEOUT", 10*time.Second)
	cfg.DownloadTimeout = l.getDuration("DOWNLOAD_TIMEOUT", 60*time.Second)
	cfg.ImageTimeout = l.getDuration("IMAGE_TIMEOUT", 30*time.Second)
	cfg.PageTimeout = l.getDuration("PAGE_TIMEOUT", 30*time.Second)
	cfg.FetchCeiling = int64(l.getInt("FETCH_CEILING_MB", 200)) * MB
	cfg.UploadCeiling = int64(l.getInt("UPLOAD_CEILING_MB", 50)) * MB
	cfg.PhotoCeiling = int64(l.getInt("PHOTO_CEILING_MB", 10)) * MB
	cfg.FetchMaxAttempts = l.getInt("FETCH_MAX_ATTEMPTS", 2)
	cfg.RetryBackoff = l.getDuration("FETCH_RETRY_BACKOFF", 3*time.Second)
	cfg.GalleryWorkers = l.getInt("GALLERY_WORKERS", 4)

	cfg.AlbumSize = l.getInt("ALBUM_SIZE", 10)
	cfg.BatchDelay = l.getDuration("BATCH_DELAY", 6*time.Second)
	cfg.GalleryDelay = l.getDuration("GALLERY_STAGGER_DELAY", 1*time.Second)

	cfg.MaxEdge = l.getInt("VIDEO_MAX_EDGE", 1280)
	cfg.MaxImageEdge = l.getInt("IMAGE_MAX_EDGE", 2560)
	cfg.MinFPS = l.getInt("VIDEO_MIN_FPS", 24)
	cfg.MinDuration = l.getDuration("VIDEO_MIN_DURATION", time.Second)
	cfg.MaxLoops = l.getInt("VIDEO_MAX_LOOPS", 60)
	cfg.CRF = l.getInt("VIDEO_CRF", 26)
	cfg.Threads = l.getInt("FFMPEG_THREADS", 2)
	cfg.ConvertWorkers = l.getInt("MAX_CONCURRENT_CONVERSIONS", 2)

	cfg.FFmpegBin = l.str("FFMPEG_BIN", "ffmpeg")
	cfg.FFprobeBin = l.str("FFPROBE_BIN", "ffprobe")
	cfg.YTDLPBin = l.str("YTDLP_BIN", "yt-dlp")
	cfg.GalleryDLBin = l.str("GALLERY_DL_BIN", "gallery-dl")
	cfg.ToolCacheTTL = l.getDuration("TOOL_CACHE_TTL", 10*time.Minute)

	cfg.TempDir = l.str("TEMP_DIR", os.TempDir())
	cfg.SweepInterval = l.getDuration("SWEEP_INTERVAL", 10*time.Minute)
	cfg.SweepMaxAge = l.getDuration("SWEEP_MAX_AGE", time.Hour)
	cfg.SweepSchedule = l.str("SWEEP_SCHEDULE", "")
	cfg.SweepDryRun = l.getBool("SWEEP_DRY_RUN", false)

	cfg.HTTPAddr = l.str("HTTP_ADDR", ":8080")

	if l.err != nil {
		return nil, l.err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return ErrMissingToken
	}
	switch {
	case c.AlbumSize <= 0 || c.AlbumSize > 10:
		return fmt.Errorf("ALBUM_SIZE must be within 1..10, got %d", c.AlbumSize)
	case c.UploadCeiling <= 0 || c.FetchCeiling <= 0:
		return fmt.Errorf("size ceilings must be positive")
	case c.MaxEdge < 2 || c.MaxImageEdge < 2:
		return fmt.Errorf("max edges must be at least 2")
	case c.ConvertWorkers <= 0:
		return fmt.Errorf("MAX_CONCURRENT_CONVERSIONS must be positive, got %d", c.ConvertWorkers)
	case c.FetchMaxAttempts <= 0:
		return fmt.Errorf("FETCH_MAX_ATTEMPTS must be positive, got %d", c.FetchMaxAttempts)
	}
	return nil
}

// readFile parses a flat YAML mapping of variable names to values.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar", path, k)
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// loader keeps the first parse error so Load can report it once. The environment wins
// over the config file.
type loader struct {
	file map[string]string
	err  error
}

func (l *loader) get(key string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return l.file[key]
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(l.get(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) getInt(key string, def int) int {
	s := l.get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return n
}

func (l *loader) getFloat(key string, def float64) float64 {
	s := l.get(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return f
}

func (l *loader) getBool(key string, def bool) bool {
	s := l.get(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return b
}

func (l *loader) getDuration(key string, def time.Duration) time.Duration {
	s := l.get(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		if err == nil {
			err = fmt.Errorf("negative duration %s", s)
		}
		l.fail(key, err)
		return def
	}
	return d
}

func (l *loader) fail(key string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
