package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ChaikaBogdan/memes2telegram/media"
	"github.com/ChaikaBogdan/memes2telegram/tools"
)

func TestDimensions(t *testing.T) {
	cases := []struct {
		name         string
		w, h, max    int
		wantW, wantH int
	}{
		{"landscape", 1921, 1081, 1280, 1280, 720},
		{"square", 2000, 2000, 1280, 1280, 1280},
		{"portrait", 1080, 1920, 1280, 720, 1280},
		{"small odd", 641, 361, 1280, 640, 360},
		{"tiny", 1, 1, 1280, 2, 2},
		{"unknown", 0, 720, 1280, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, h := Dimensions(tc.w, tc.h, tc.max)
			if w != tc.wantW || h != tc.wantH {
				t.Fatalf("Dimensions(%d,%d,%d) = %dx%d, want %dx%d", tc.w, tc.h, tc.max, w, h, tc.wantW, tc.wantH)
			}
		})
	}
}

func TestPlanVideo(t *testing.T) {
	p := Policy{MaxEdge: 1280, MinFPS: 24, MinDuration: time.Second}

	t.Run("raises frame rate", func(t *testing.T) {
		plan := PlanVideo(StreamInfo{Width: 640, Height: 360, FPS: 10, Duration: 5 * time.Second}, p)
		if plan.FPS != 24 || plan.Loops != 1 || plan.Trim != 0 {
			t.Fatalf("plan = %+v", plan)
		}
		if plan.StreamLoop() != 0 {
			t.Fatalf("StreamLoop = %d", plan.StreamLoop())
		}
	})

	t.Run("keeps higher frame rate", func(t *testing.T) {
		plan := PlanVideo(StreamInfo{FPS: 60, Duration: 5 * time.Second}, p)
		if plan.FPS != 60 {
			t.Fatalf("FPS = %v", plan.FPS)
		}
	})

	t.Run("loops short clip", func(t *testing.T) {
		plan := PlanVideo(StreamInfo{Width: 320, Height: 240, FPS: 30, Duration: 250 * time.Millisecond}, p)
		if plan.Loops != 4 {
			t.Fatalf("Loops = %d, want 4", plan.Loops)
		}
		if plan.FPS != 7.5 {
			t.Fatalf("FPS = %v, want 7.5", plan.FPS)
		}
		if plan.Trim != time.Second || plan.OutputDuration(250*time.Millisecond) != time.Second {
			t.Fatalf("Trim = %v", plan.Trim)
		}
		if plan.StreamLoop() != 3 {
			t.Fatalf("StreamLoop = %d, want 3", plan.StreamLoop())
		}
	})

	t.Run("loop cap still reaches the floor", func(t *testing.T) {
		capped := p
		capped.MaxLoops = 60
		src := StreamInfo{Width: 320, Height: 240, FPS: 100, Duration: 10 * time.Millisecond}
		plan := PlanVideo(src, capped)
		if plan.Loops != -1 || plan.StreamLoop() != -1 {
			t.Fatalf("Loops = %d, want repeat until trim", plan.Loops)
		}
		if got := plan.OutputDuration(src.Duration); got < capped.MinDuration {
			t.Fatalf("OutputDuration = %v, shorter than %v", got, capped.MinDuration)
		}
		// the frame rate divisor stops at the cap
		if want := 100.0 / 60; plan.FPS != want {
			t.Fatalf("FPS = %v, want %v", plan.FPS, want)
		}
	})

	t.Run("loops exactly at the cap", func(t *testing.T) {
		capped := p
		capped.MaxLoops = 4
		plan := PlanVideo(StreamInfo{FPS: 30, Duration: 250 * time.Millisecond}, capped)
		if plan.Loops != 4 || plan.OutputDuration(250*time.Millisecond) != time.Second {
			t.Fatalf("plan = %+v", plan)
		}
	})

	t.Run("output never shorter than the floor", func(t *testing.T) {
		for _, maxLoops := range []int{0, 1, 5, 60} {
			for _, d := range []time.Duration{time.Millisecond, 16 * time.Millisecond, 90 * time.Millisecond, 400 * time.Millisecond, 3 * time.Second} {
				pol := p
				pol.MaxLoops = maxLoops
				plan := PlanVideo(StreamInfo{FPS: 25, Duration: d}, pol)
				if got := plan.OutputDuration(d); got < pol.MinDuration {
					t.Errorf("MaxLoops=%d d=%v: OutputDuration = %v", maxLoops, d, got)
				}
			}
		}
	})

	t.Run("frame rate never below one", func(t *testing.T) {
		plan := PlanVideo(StreamInfo{FPS: 1, Duration: 100 * time.Millisecond}, Policy{MinDuration: time.Second})
		if plan.FPS != 1 {
			t.Fatalf("FPS = %v", plan.FPS)
		}
	})

	t.Run("unknown duration", func(t *testing.T) {
		plan := PlanVideo(StreamInfo{FPS: 25}, p)
		if plan.Loops != -1 || plan.StreamLoop() != -1 || plan.Trim != time.Second {
			t.Fatalf("plan = %+v", plan)
		}
	})
}

func TestParseRate(t *testing.T) {
	cases := map[string]float64{
		"30/1":       30,
		"25":         25,
		"0/0":        0,
		"":           0,
		"bogus":      0,
		"60000/2000": 30,
	}
	for in, want := range cases {
		if got := parseRate(in); got != want {
			t.Errorf("parseRate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{
		"streams": [
			{"codec_type": "audio", "duration": "3.0"},
			{"codec_type": "video", "width": 1920, "height": 1080, "avg_frame_rate": "0/0", "r_frame_rate": "30/1", "duration": "2.5"}
		],
		"format": {"duration": "3.000000"}
	}`)
	info, err := parseProbe(out)
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if info.Width != 1920 || info.Height != 1080 || info.FPS != 30 || !info.HasAudio {
		t.Fatalf("info = %+v", info)
	}
	if info.Duration != 3*time.Second {
		t.Fatalf("Duration = %v", info.Duration)
	}

	if _, err := parseProbe([]byte(`{"streams":[{"codec_type":"audio"}]}`)); !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("audio only: err = %v", err)
	}
	if _, err := parseProbe([]byte(`not json`)); !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("garbage: err = %v", err)
	}
}

func TestVideoArgs(t *testing.T) {
	c := &Converter{CRF: 26, Threads: 2}
	plan := Plan{Width: 1280, Height: 720, FPS: 7.5, Loops: 4, Trim: time.Second}
	args := c.videoArgs("in.gif", "out.mp4", plan, false)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-stream_loop 3",
		"-i in.gif",
		"scale=1280:720,fps=7.500,format=yuv420p",
		"-c:v libx264",
		"-crf 26",
		"-movflags +faststart",
		"-an",
		"-t 1.000",
		"-threads 2",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "out.mp4" {
		t.Errorf("output must be last, got %q", args[len(args)-1])
	}
	if slices.Index(args, "-stream_loop") > slices.Index(args, "-i") {
		t.Error("-stream_loop must precede the input")
	}

	withAudio := strings.Join(c.videoArgs("in.mp4", "out.mp4", Plan{FPS: 30, Loops: 1}, true), " ")
	if !strings.Contains(withAudio, "-c:a aac") || strings.Contains(withAudio, "-stream_loop") || strings.Contains(withAudio, " -t ") {
		t.Errorf("unexpected args: %s", withAudio)
	}
}

func TestPoolLimitsConcurrency(t *testing.T) {
	p := NewPool(2)
	if p.Size() != 2 {
		t.Fatalf("expected size 2, got %d", p.Size())
	}
	ctx := context.Background()

	if !p.Acquire(ctx) {
		t.Fatal("failed to acquire first slot")
	}
	if !p.Acquire(ctx) {
		t.Fatal("failed to acquire second slot")
	}
	if active := p.Active(); active != 2 {
		t.Fatalf("expected 2 active, got %d", active)
	}

	// Third should block
	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if p.Acquire(ctx2) {
		t.Fatal("should not have acquired third slot")
	}

	p.Release()
	if active := p.Active(); active != 1 {
		t.Fatalf("expected 1 active after release, got %d", active)
	}
	if !p.Acquire(ctx) {
		t.Fatal("failed to acquire slot after release")
	}
	p.Release()
	p.Release()
	// extra release must not panic or go negative
	p.Release()
	if p.Active() != 0 {
		t.Fatalf("expected 0 active, got %d", p.Active())
	}
}

func TestPoolDefaultSize(t *testing.T) {
	if got := NewPool(0).Size(); got != 1 {
		t.Fatalf("expected default size 1, got %d", got)
	}
}

func TestPoolDoCancelled(t *testing.T) {
	p := NewPool(1)
	p.Acquire(context.Background())
	defer p.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := p.Do(ctx, func() error { ran = true; return nil })
	if !errors.Is(err, context.Canceled) || ran {
		t.Fatalf("err = %v ran = %v", err, ran)
	}
}

// scriptedTool answers ffprobe with a fixed document and fakes ffmpeg by writing the output
// path (the last argument).
type scriptedTool struct {
	probe   string
	ffmpeg  func(args []string) error
	ffmpegN int
}

func (s *scriptedTool) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if name == "ffprobe" {
		return []byte(s.probe), nil
	}
	s.ffmpegN++
	if s.ffmpeg != nil {
		if err := s.ffmpeg(args); err != nil {
			return nil, err
		}
	}
	return nil, os.WriteFile(args[len(args)-1], []byte("converted"), 0o600)
}

const probe720 = `{"streams":[{"codec_type":"video","width":1280,"height":720,"avg_frame_rate":"30/1"}],"format":{"duration":"4.0"}}`

func newTestConverter(t *testing.T, tool ToolRunner) *Converter {
	t.Helper()
	return &Converter{
		Tools:        tool,
		FFmpeg:       "ffmpeg",
		FFprobe:      "ffprobe",
		TempDir:      t.TempDir(),
		Policy:       Policy{MaxEdge: 1280, MinFPS: 24, MinDuration: time.Second},
		MaxImageEdge: 2560,
		Pool:         NewPool(1),
	}
}

func TestToDeliverableVideo(t *testing.T) {
	tool := &scriptedTool{probe: probe720}
	c := newTestConverter(t, tool)
	src := &media.Artifact{Path: filepath.Join(c.TempDir, "in.webm"), Title: "cat"}

	out, err := c.ToDeliverableVideo(context.Background(), src)
	if err != nil {
		t.Fatalf("ToDeliverableVideo: %v", err)
	}
	defer out.Remove()
	if out.Kind != media.KindVideo || out.MIME != "video/mp4" || out.Title != "cat" || !out.Temporary {
		t.Fatalf("artifact = %+v", out)
	}
	if out.Size != int64(len("converted")) || filepath.Ext(out.Path) != ".mp4" {
		t.Fatalf("artifact = %+v", out)
	}
	if c.Pool.Active() != 0 {
		t.Fatal("slot not released")
	}
}

func TestToDeliverableVideoFailureLeavesNoOutput(t *testing.T) {
	var dst string
	tool := &scriptedTool{probe: probe720, ffmpeg: func(args []string) error {
		dst = args[len(args)-1]
		_ = os.WriteFile(dst, []byte("partial"), 0o600)
		return &tools.CommandError{Tool: "ffmpeg", ExitCode: 1, Diagnostic: "Invalid data found when processing input", Err: errors.New("exit status 1")}
	}}
	c := newTestConverter(t, tool)

	_, err := c.ToDeliverableVideo(context.Background(), &media.Artifact{Path: "in.webm"})
	var ce *ConversionError
	if !errors.As(err, &ce) || !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(ce.Diagnostic, "Invalid data") {
		t.Fatalf("Diagnostic = %q", ce.Diagnostic)
	}
	if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
		t.Fatalf("partial output left behind: %v", statErr)
	}
}

func TestToDeliverableImage(t *testing.T) {
	var args []string
	tool := &scriptedTool{
		probe:  `{"streams":[{"codec_type":"video","width":5120,"height":2880}]}`,
		ffmpeg: func(a []string) error { args = a; return nil },
	}
	c := newTestConverter(t, tool)

	out, err := c.ToDeliverableImage(context.Background(), &media.Artifact{Path: "in.webp"})
	if err != nil {
		t.Fatalf("ToDeliverableImage: %v", err)
	}
	defer out.Remove()
	if out.Kind != media.KindPhoto || filepath.Ext(out.Path) != ".jpg" {
		t.Fatalf("artifact = %+v", out)
	}
	if !slices.Contains(args, "scale=2560:1440") {
		t.Fatalf("args = %v", args)
	}
}
