package media

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, dir string, data []byte) *Artifact {
	t.Helper()
	f, a, err := CreateTemp(dir, ".bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return a
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, []byte("x"))
	for i := 0; i < 3; i++ {
		if err := a.Remove(); err != nil {
			t.Fatalf("Remove #%d: %v", i, err)
		}
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
	if err := Remove(filepath.Join(dir, "never-existed")); err != nil {
		t.Errorf("Remove(missing) = %v, want nil", err)
	}
}

func TestRemoveKeepsNonTemporary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	a := &Artifact{Path: path}
	if err := a.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("non-temporary artifact removed: %v", err)
	}
}

func TestTempNameUsesPrefix(t *testing.T) {
	a, b := TempName("/tmp", "mp4"), TempName("/tmp", ".mp4")
	if a == b {
		t.Fatal("names collided")
	}
	for _, n := range []string{a, b} {
		base := filepath.Base(n)
		if !strings.HasPrefix(base, TempPrefix) || !strings.HasSuffix(base, ".mp4") {
			t.Errorf("unexpected name %q", base)
		}
	}
}

func TestScopeCloseRemovesTracked(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, []byte("a"))
	b := writeTemp(t, dir, []byte("b"))
	kept := writeTemp(t, dir, []byte("c"))

	s := NewScope(nil)
	s.Track(a, b, kept)
	s.Detach(kept)
	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	if n := s.Close(); n != 2 {
		t.Errorf("Close removed %d, want 2", n)
	}
	if n := s.Close(); n != 0 {
		t.Errorf("second Close removed %d, want 0", n)
	}
	for _, gone := range []*Artifact{a, b} {
		if _, err := os.Stat(gone.Path); !os.IsNotExist(err) {
			t.Errorf("%s not removed", gone.Path)
		}
	}
	if _, err := os.Stat(kept.Path); err != nil {
		t.Errorf("detached artifact removed: %v", err)
	}

	// tracking into a closed scope cleans immediately
	s.Track(kept)
	if _, err := os.Stat(kept.Path); !os.IsNotExist(err) {
		t.Errorf("late-tracked artifact not removed")
	}
}

var (
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)
	gifBytes  = append([]byte("GIF89a"), make([]byte, 64)...)
	textBytes = []byte("hello, this is plain text and nothing else\n")
)

func TestCheckFetched(t *testing.T) {
	dir := t.TempDir()
	g := Guard{FetchCeiling: 1024}

	tests := []struct {
		name     string
		data     []byte
		wantKind Kind
		wantErr  error
	}{
		{"png is photo", pngBytes, KindPhoto, nil},
		{"gif is animation", gifBytes, KindAnimation, nil},
		{"text unsupported", textBytes, KindUnknown, ErrUnsupportedType},
		{"over ceiling", make([]byte, 2048), KindUnknown, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := writeTemp(t, dir, tt.data)
			err := g.CheckFetched(a)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if a.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v (mime %s)", a.Kind, tt.wantKind, a.MIME)
			}
		})
	}
}

func TestCheckDeliverableRemovesOversized(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, make([]byte, 100))
	err := Guard{UploadCeiling: 50}.CheckDeliverable(a)
	if !errors.Is(err, ErrUploadTooBig) {
		t.Fatalf("err = %v, want ErrUploadTooBig", err)
	}
	var le *LimitError
	if !errors.As(err, &le) || le.Size != 100 || le.Limit != 50 {
		t.Errorf("unexpected limit error %#v", le)
	}
	if _, statErr := os.Stat(a.Path); !os.IsNotExist(statErr) {
		t.Errorf("oversized artifact not deleted")
	}
}

func TestCheckDeliverableLogsFailedRemoval(t *testing.T) {
	// a non-empty directory cannot be removed with os.Remove
	path := filepath.Join(t.TempDir(), "m2t-stuck")
	if err := os.MkdirAll(filepath.Join(path, "inner"), 0o755); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() <= 1 {
		t.Skip("filesystem reports empty directory sizes")
	}

	var logs bytes.Buffer
	g := Guard{UploadCeiling: 1, Logger: slog.New(slog.NewTextHandler(&logs, nil))}
	a := &Artifact{Path: path, Temporary: true}
	if err := g.CheckDeliverable(a); !errors.Is(err, ErrUploadTooBig) {
		t.Fatalf("err = %v, want ErrUploadTooBig", err)
	}
	out := logs.String()
	if !strings.Contains(out, "oversized artifact cleanup failed") || !strings.Contains(out, "m2t-stuck") {
		t.Fatalf("removal failure not logged: %q", out)
	}
}

func TestCheckDeliverableDemotesLargePhoto(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, make([]byte, 100))
	a.Kind = KindPhoto
	if err := (Guard{UploadCeiling: 1000, PhotoCeiling: 10}).CheckDeliverable(a); err != nil {
		t.Fatal(err)
	}
	if a.Kind != KindDocument {
		t.Errorf("kind = %v, want document", a.Kind)
	}
}

func TestSupportedTypes(t *testing.T) {
	for _, ct := range []string{"video/mp4", "image/gif", "video/webm", "VIDEO/MP4; codecs=avc1"} {
		if !IsSupportedVideo(ct) {
			t.Errorf("%q should be a supported video", ct)
		}
	}
	for _, ct := range []string{"image/jpeg", "image/png", "image/webp"} {
		if !IsSupportedImage(ct) {
			t.Errorf("%q should be a supported image", ct)
		}
	}
	if IsSupportedVideo("text/html") || IsSupportedImage("image/tiff") {
		t.Error("unexpected support")
	}
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := filepath.Join(dir, TempPrefix+"old.mp4")
	fresh := filepath.Join(dir, TempPrefix+"fresh.mp4")
	foreign := filepath.Join(dir, "someone-else.mp4")
	for _, p := range []string{old, fresh, foreign} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	past := now.Add(-2 * time.Hour)
	for _, p := range []string{old, foreign} {
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatal(err)
		}
	}

	policy := SweepPolicy{Dir: dir, MaxAge: time.Hour, DryRun: true}
	n, err := Sweep(policy, now)
	if err != nil || n != 1 {
		t.Fatalf("dry run = %d, %v; want 1, nil", n, err)
	}
	if _, err := os.Stat(old); err != nil {
		t.Fatalf("dry run removed file")
	}

	policy.DryRun = false
	if n, err := Sweep(policy, now); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1, nil", n, err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old orphan kept")
	}
	for _, p := range []string{fresh, foreign} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", p, err)
		}
	}
}

func TestStartSweepJob(t *testing.T) {
	t.Run("sweeps at start and stops with ctx", func(t *testing.T) {
		dir := t.TempDir()
		old := filepath.Join(dir, TempPrefix+"old.gif")
		if err := os.WriteFile(old, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
		past := time.Now().Add(-2 * time.Hour)
		if err := os.Chtimes(old, past, past); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- StartSweepJob(ctx, SweepPolicy{Dir: dir, MaxAge: time.Hour, Interval: time.Hour}) }()

		deadline := time.Now().Add(5 * time.Second)
		for {
			if _, err := os.Stat(old); os.IsNotExist(err) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("initial sweep did not run")
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("StartSweepJob = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("sweep job did not stop")
		}
	})

	t.Run("invalid schedule", func(t *testing.T) {
		err := StartSweepJob(context.Background(), SweepPolicy{Dir: t.TempDir(), MaxAge: time.Hour, Schedule: "every tuesday"})
		if err == nil {
			t.Fatal("expected a schedule error")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		if err := StartSweepJob(context.Background(), SweepPolicy{Dir: t.TempDir()}); err != nil {
			t.Fatalf("StartSweepJob = %v", err)
		}
	})
}
