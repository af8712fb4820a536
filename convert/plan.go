// Package convert turns fetched media into files the chat platform plays inline: H.264 MP4
// for anything that moves, JPEG for stills. The geometry and timing decisions are pure
// functions so they can be checked without ffmpeg.
package convert

import (
	"math"
	"time"
)

// Policy bounds the output of video conversion.
type Policy struct {
	MaxEdge     int
	MinFPS      int
	MinDuration time.Duration
	// MaxLoops caps how often a very short clip is repeated.
	MaxLoops int
}

// StreamInfo is what the prober learned about the source. Zero values mean unknown.
type StreamInfo struct {
	Width    int
	Height   int
	FPS      float64
	Duration time.Duration
	HasAudio bool
}

// Plan is the transcode decision for one source.
type Plan struct {
	Width  int // 0 when the source size is unknown
	Height int
	FPS    float64
	// Loops is how many times the input plays: 1 plays once, -1 repeats until Trim.
	Loops int
	// Trim is the exact output duration when looping, zero otherwise.
	Trim time.Duration
}

// StreamLoop converts Loops into ffmpeg's -stream_loop value (extra repetitions).
func (p Plan) StreamLoop() int {
	if p.Loops < 0 {
		return -1
	}
	if p.Loops <= 1 {
		return 0
	}
	return p.Loops - 1
}

// Dimensions scales w×h to fit maxEdge preserving aspect ratio. Squares clamp both edges,
// landscape clamps the width, portrait clamps the height. Results are rounded down to even
// numbers (the encoder needs them) and never below 2.
func Dimensions(w, h, maxEdge int) (int, int) {
	if w <= 0 || h <= 0 || maxEdge < 2 {
		return 0, 0
	}
	switch {
	case w == h:
		s := min(w, maxEdge)
		return even(s), even(s)
	case w > h:
		nw := min(w, maxEdge)
		nh := int(math.Round(float64(h) * float64(nw) / float64(w)))
		return even(nw), even(nh)
	default:
		nh := min(h, maxEdge)
		nw := int(math.Round(float64(w) * float64(nh) / float64(h)))
		return even(nw), even(nh)
	}
}

func even(v int) int {
	v &^= 1
	if v < 2 {
		return 2
	}
	return v
}

// PlanVideo decides output size, frame rate and looping. The frame rate is raised to the
// policy floor. Clips shorter than MinDuration are looped ceil(MinDuration/duration) times
// with the frame rate divided by the loop count, then trimmed to exactly MinDuration.
// Past MaxLoops, or for a source of unknown duration, the input repeats until trimmed and
// the frame rate divisor stops at MaxLoops.
func PlanVideo(info StreamInfo, p Policy) Plan {
	plan := Plan{Loops: 1}
	plan.Width, plan.Height = Dimensions(info.Width, info.Height, p.MaxEdge)

	plan.FPS = info.FPS
	if floor := float64(p.MinFPS); plan.FPS < floor {
		plan.FPS = floor
	}
	if p.MinDuration <= 0 {
		return plan
	}

	switch {
	case info.Duration <= 0:
		plan.Loops = -1
		plan.Trim = p.MinDuration
	case info.Duration < p.MinDuration:
		loops := int(math.Ceil(float64(p.MinDuration) / float64(info.Duration)))
		plan.Loops = loops
		if p.MaxLoops > 0 && loops > p.MaxLoops {
			// a counted loop would end before the floor; repeat until the trim instead
			loops = p.MaxLoops
			plan.Loops = -1
		}
		plan.FPS = math.Max(plan.FPS/float64(loops), 1)
		plan.Trim = p.MinDuration
	}
	return plan
}

// OutputDuration is the playback length a plan produces for a source of duration d.
func (p Plan) OutputDuration(d time.Duration) time.Duration {
	played := d
	switch {
	case p.Loops < 0:
		return p.Trim
	case p.Loops > 1:
		played = d * time.Duration(p.Loops)
	}
	if p.Trim > 0 && played > p.Trim {
		return p.Trim
	}
	return played
}
