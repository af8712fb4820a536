package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ChaikaBogdan/memes2telegram/media"
	"github.com/ChaikaBogdan/memes2telegram/telemetry"
	"github.com/ChaikaBogdan/memes2telegram/tools"
)

// ErrConversionFailed is matched by every *ConversionError.
var ErrConversionFailed = errors.New("conversion failed")

// ConversionError carries the transcoder's diagnostic output.
type ConversionError struct {
	Op         string
	Diagnostic string
	Err        error
}

func (e *ConversionError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("%s: %v: %s", e.Op, ErrConversionFailed, e.Diagnostic)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrConversionFailed, e.Err)
}

func (e *ConversionError) Unwrap() []error { return []error{ErrConversionFailed, e.Err} }

// ToolRunner executes an external program and returns its stdout.
type ToolRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Converter wraps ffprobe and ffmpeg.
type Converter struct {
	Tools        ToolRunner
	FFmpeg       string
	FFprobe      string
	TempDir      string
	Policy       Policy
	MaxImageEdge int
	CRF          int
	Threads      int
	Pool         *Pool
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Inspect reads stream geometry, frame rate and duration of path.
func (c *Converter) Inspect(ctx context.Context, path string) (StreamInfo, error) {
	out, err := c.Tools.Run(ctx, c.FFprobe,
		"-v", "error",
		"-show_entries", "stream=codec_type,width,height,avg_frame_rate,r_frame_rate,duration:format=duration",
		"-of", "json",
		path)
	if err != nil {
		return StreamInfo{}, wrapToolError("inspect", err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (StreamInfo, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return StreamInfo{}, &ConversionError{Op: "inspect", Err: err}
	}
	var info StreamInfo
	found := false
	for _, s := range po.Streams {
		switch s.CodecType {
		case "video":
			if found {
				continue
			}
			found = true
			info.Width, info.Height = s.Width, s.Height
			info.FPS = parseRate(s.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = parseRate(s.RFrameRate)
			}
			info.Duration = parseSeconds(s.Duration)
		case "audio":
			info.HasAudio = true
		}
	}
	if !found {
		return StreamInfo{}, &ConversionError{Op: "inspect", Err: errors.New("no video stream")}
	}
	if d := parseSeconds(po.Format.Duration); d > 0 {
		info.Duration = d
	}
	return info, nil
}

// parseRate reads ffprobe rationals such as "30000/1001"; "0/0" yields 0.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// ToDeliverableVideo transcodes src to a streamable H.264 MP4. The result is a new
// temporary artifact; src is left for its owner to clean up.
func (c *Converter) ToDeliverableVideo(ctx context.Context, src *media.Artifact) (*media.Artifact, error) {
	var out *media.Artifact
	err := c.run(ctx, func() error {
		start := time.Now()
		info, err := c.Inspect(ctx, src.Path)
		if err != nil {
			return err
		}
		plan := PlanVideo(info, c.Policy)
		dst := media.TempName(c.TempDir, ".mp4")
		if _, err := c.Tools.Run(ctx, c.FFmpeg, c.videoArgs(src.Path, dst, plan, info.HasAudio)...); err != nil {
			_ = media.Remove(dst)
			return wrapToolError("transcode", err)
		}
		a, err := media.Adopt(dst)
		if err != nil {
			return &ConversionError{Op: "transcode", Err: err}
		}
		a.MIME, a.Kind, a.Title = "video/mp4", media.KindVideo, src.Title
		out = a
		telemetry.ObserveConversion(time.Since(start))
		slog.Debug("video converted",
			slog.String("component", "convert"),
			slog.Int("width", plan.Width),
			slog.Int("height", plan.Height),
			slog.Float64("fps", plan.FPS),
			slog.Int("loops", plan.Loops),
			slog.Int64("bytes", a.Size))
		return nil
	})
	return out, err
}

func (c *Converter) videoArgs(src, dst string, plan Plan, hasAudio bool) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if sl := plan.StreamLoop(); sl != 0 {
		args = append(args, "-stream_loop", strconv.Itoa(sl))
	}
	args = append(args, "-i", src)

	scale := "scale=trunc(iw/2)*2:trunc(ih/2)*2"
	if plan.Width > 0 && plan.Height > 0 {
		scale = fmt.Sprintf("scale=%d:%d", plan.Width, plan.Height)
	}
	args = append(args,
		"-vf", fmt.Sprintf("%s,fps=%s,format=yuv420p", scale, strconv.FormatFloat(plan.FPS, 'f', 3, 64)),
		"-c:v", "libx264",
		"-profile:v", "main",
		"-level", "4.0",
		"-preset", "veryfast",
		"-crf", strconv.Itoa(c.crf()),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
	)
	if hasAudio {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	} else {
		args = append(args, "-an")
	}
	if plan.Trim > 0 {
		args = append(args, "-t", strconv.FormatFloat(plan.Trim.Seconds(), 'f', 3, 64))
	}
	if c.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(c.Threads))
	}
	return append(args, dst)
}

// ToDeliverableImage re-encodes a still image as JPEG within MaxImageEdge.
func (c *Converter) ToDeliverableImage(ctx context.Context, src *media.Artifact) (*media.Artifact, error) {
	var out *media.Artifact
	err := c.run(ctx, func() error {
		info, err := c.Inspect(ctx, src.Path)
		if err != nil {
			return err
		}
		dst := media.TempName(c.TempDir, ".jpg")
		if _, err := c.Tools.Run(ctx, c.FFmpeg, c.imageArgs(src.Path, dst, info)...); err != nil {
			_ = media.Remove(dst)
			return wrapToolError("image", err)
		}
		a, err := media.Adopt(dst)
		if err != nil {
			return &ConversionError{Op: "image", Err: err}
		}
		a.MIME, a.Kind, a.Title = "image/jpeg", media.KindPhoto, src.Title
		out = a
		return nil
	})
	return out, err
}

func (c *Converter) imageArgs(src, dst string, info StreamInfo) []string {
	w, h := Dimensions(info.Width, info.Height, c.MaxImageEdge)
	scale := fmt.Sprintf("scale=w='min(iw,%d)':h='min(ih,%d)':force_original_aspect_ratio=decrease", c.MaxImageEdge, c.MaxImageEdge)
	if w > 0 && h > 0 {
		scale = fmt.Sprintf("scale=%d:%d", w, h)
	}
	return []string{"-y", "-hide_banner", "-loglevel", "error", "-i", src, "-vf", scale, "-frames:v", "1", "-q:v", "2", dst}
}

func (c *Converter) crf() int {
	if c.CRF > 0 {
		return c.CRF
	}
	return 26
}

func (c *Converter) run(ctx context.Context, fn func() error) error {
	if c.Pool == nil {
		return fn()
	}
	return c.Pool.Do(ctx, fn)
}

func wrapToolError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ce *tools.CommandError
	if errors.As(err, &ce) {
		return &ConversionError{Op: op, Diagnostic: ce.Diagnostic, Err: err}
	}
	return &ConversionError{Op: op, Err: err}
}
