package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ChaikaBogdan/memes2telegram/content"
	"github.com/ChaikaBogdan/memes2telegram/convert"
	"github.com/ChaikaBogdan/memes2telegram/fetch"
	"github.com/ChaikaBogdan/memes2telegram/jobs"
	"github.com/ChaikaBogdan/memes2telegram/media"
)

var (
	gifBytes = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\x00\x00\x00\xff\xff\xff!\xf9\x04\x01\x00\x00\x00\x00,\x00\x00\x00\x00\x01\x00\x01\x00\x00\x02\x02D\x01\x00;")
	pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")
)

type enqueued struct {
	chatID  int64
	payload jobs.Payload
	delay   time.Duration
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (q *recordingQueue) Enqueue(chatID int64, p jobs.Payload, delay time.Duration) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, enqueued{chatID, p, delay})
	return uuid.New(), nil
}

// fakeFiles resolves file IDs the way getFile does, refusing "huge".
type fakeFiles struct{ calls int }

func (f *fakeFiles) FileURL(_ context.Context, id string) (string, error) {
	f.calls++
	if id == "huge" {
		return "", errors.New("Bad Request: file is too big")
	}
	return "https://api.telegram.org/file/bot1:x/" + id + ".mp4", nil
}

func TestHandleMessage(t *testing.T) {
	cases := []struct {
		name      string
		msg       Message
		wantJob   bool
		wantKind  jobs.Kind
		wantDelay time.Duration
		wantFiles int // getFile calls
		check     func(t *testing.T, p jobs.Payload)
	}{
		{
			name: "group message without mention is ignored",
			msg:  Message{ChatID: -1, Text: "https://example.com/a.mp4"},
		},
		{
			name:     "private link",
			msg:      Message{ChatID: 1, MessageID: 10, Private: true, Text: "https://example.com/a.mp4"},
			wantJob:  true,
			wantKind: jobs.KindFetch,
			check: func(t *testing.T, p jobs.Payload) {
				f := p.(jobs.FetchPayload)
				if f.Ref.Kind != content.GenericVideo || f.Label != "https://example.com/a.mp4" || f.SourceMessageID != 10 {
					t.Fatalf("payload = %+v", f)
				}
			},
		},
		{
			name:      "gallery post is delayed",
			msg:       Message{ChatID: -1, MessageID: 11, Text: "@m2t_bot https://joyreactor.cc/post/12345"},
			wantJob:   true,
			wantKind:  jobs.KindFetch,
			wantDelay: time.Second,
		},
		{
			name:     "not a link",
			msg:      Message{ChatID: -1, MessageID: 12, Text: "@m2t_bot not_a_link"},
			wantJob:  true,
			wantKind: jobs.KindNotify,
			check: func(t *testing.T, p jobs.Payload) {
				n := p.(jobs.NotifyPayload)
				if n.Text != "Not a link!" || n.ReplyTo != 12 {
					t.Fatalf("payload = %+v", n)
				}
			},
		},
		{
			name:     "bare mention",
			msg:      Message{ChatID: -1, MessageID: 13, Text: "@m2t_bot"},
			wantJob:  true,
			wantKind: jobs.KindNotify,
			check: func(t *testing.T, p jobs.Payload) {
				if p.(jobs.NotifyPayload).Text != "Empty message!" {
					t.Fatalf("payload = %+v", p)
				}
			},
		},
		{
			name:      "forwarded file hides its url",
			msg:       Message{ChatID: 1, MessageID: 14, Private: true, FileID: "vid-1"},
			wantJob:   true,
			wantKind:  jobs.KindFetch,
			wantFiles: 1,
			check: func(t *testing.T, p jobs.Payload) {
				f := p.(jobs.FetchPayload)
				if f.Label != "" || f.Ref.Locator != "https://api.telegram.org/file/bot1:x/vid-1.mp4" {
					t.Fatalf("payload = %+v", f)
				}
			},
		},
		{
			name:      "forwarded file in group needs a mention",
			msg:       Message{ChatID: -1, MessageID: 15, FileID: "vid-2"},
			wantFiles: 0,
		},
		{
			name:      "forwarded file in group with mention",
			msg:       Message{ChatID: -1, MessageID: 16, Text: "@m2t_bot", FileID: "vid-3"},
			wantJob:   true,
			wantKind:  jobs.KindFetch,
			wantFiles: 1,
		},
		{
			name:      "unresolvable file is dropped",
			msg:       Message{ChatID: 1, MessageID: 17, Private: true, FileID: "huge"},
			wantFiles: 1,
		},
		{
			name:      "unresolvable file falls back to the caption link",
			msg:       Message{ChatID: 1, MessageID: 18, Private: true, Text: "https://example.com/b.mp4", FileID: "huge"},
			wantJob:   true,
			wantKind:  jobs.KindFetch,
			wantFiles: 1,
			check: func(t *testing.T, p jobs.Payload) {
				if f := p.(jobs.FetchPayload); f.Ref.Locator != "https://example.com/b.mp4" {
					t.Fatalf("payload = %+v", f)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &recordingQueue{}
			files := &fakeFiles{}
			s := New(Deps{Queue: q, Files: files}, Settings{BotUsername: "m2t_bot", GalleryDelay: time.Second})
			if err := s.HandleMessage(context.Background(), tc.msg); err != nil {
				t.Fatalf("HandleMessage: %v", err)
			}
			if files.calls != tc.wantFiles {
				t.Fatalf("getFile calls = %d, want %d", files.calls, tc.wantFiles)
			}
			if !tc.wantJob {
				if len(q.jobs) != 0 {
					t.Fatalf("unexpected jobs: %+v", q.jobs)
				}
				return
			}
			if len(q.jobs) != 1 {
				t.Fatalf("jobs = %+v", q.jobs)
			}
			j := q.jobs[0]
			if j.payload.Kind() != tc.wantKind || j.delay != tc.wantDelay || j.chatID != tc.msg.ChatID {
				t.Fatalf("job = %+v", j)
			}
			if tc.check != nil {
				tc.check(t, j.payload)
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	loc := "https://example.com/v.mp4"
	cases := []struct {
		err  error
		want string
	}{
		{&content.ClassifyError{Err: content.ErrEmptyInput}, "Empty message!"},
		{&content.ClassifyError{Input: "x", Err: content.ErrNotALink}, "Not a link!"},
		{&fetch.Error{Reason: fetch.ErrUndownloadable}, "Can't download this type of link!\n" + loc},
		{&fetch.Error{Reason: fetch.ErrTooLarge}, "Can't download - video is too big!\n" + loc},
		{&media.LimitError{Err: media.ErrUploadTooBig}, "Can't download - video is too big!\n" + loc},
		{fmt.Errorf("%w: gallery", fetch.ErrNoMediaFound), "No pictures inside the post\n" + loc},
		{&fetch.Error{Reason: fetch.ErrNetworkTimeout}, "Can't download - the source took too long to answer\n" + loc},
		{&convert.ConversionError{Op: "transcode", Err: errors.New("exit 1")}, "Can't convert this video\n" + loc},
		{&jobs.PanicError{Value: "boom"}, "Something went wrong, try again later\n" + loc},
	}
	for _, tc := range cases {
		if got := UserMessage(tc.err, loc); got != tc.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
	if got := UserMessage(errors.New("x"), ""); got != "Something went wrong, try again later" {
		t.Errorf("without locator: %q", got)
	}
}

// pipeline fakes

type sent struct {
	method  string
	count   int
	caption string
	existed bool
}

type fakeSink struct {
	mu      sync.Mutex
	sent    []sent
	texts   []string
	deleted []int
	done    chan struct{}
	once    sync.Once
}

func newFakeSink() *fakeSink { return &fakeSink{done: make(chan struct{})} }

func (f *fakeSink) finish() { f.once.Do(func() { close(f.done) }) }

func (f *fakeSink) SendGroup(_ context.Context, _ int64, items []*media.Artifact, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existed := true
	for _, a := range items {
		existed = existed && fileExists(a.Path)
	}
	f.sent = append(f.sent, sent{"group", len(items), caption, existed})
	return nil
}

func (f *fakeSink) SendItem(_ context.Context, _ int64, a *media.Artifact, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{a.Kind.String(), 1, caption, fileExists(a.Path)})
	return nil
}

func (f *fakeSink) SendText(_ context.Context, _ int64, text string, _ int) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	f.finish()
	return nil
}

func (f *fakeSink) DeleteMessage(_ context.Context, _ int64, id int) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	f.finish()
	return nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func writeTemp(dir, ext string, data []byte) (*media.Artifact, error) {
	f, a, err := media.CreateTemp(dir, ext)
	if err != nil {
		return nil, err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = a.Remove()
		return nil, err
	}
	return a, nil
}

type fakeProber struct{ res content.ProbeResult }

func (f fakeProber) ProbeOrAssume(context.Context, content.Ref) content.ProbeResult { return f.res }

type fakeDownloader struct {
	dir      string
	mu       sync.Mutex
	calls    int
	failures []error // returned by successive Fetch calls before succeeding
	body     []byte
}

func (f *fakeDownloader) Fetch(_ context.Context, ref content.Ref, _ content.ProbeResult) (*media.Artifact, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= len(f.failures) {
		return nil, f.failures[n-1]
	}
	return writeTemp(f.dir, ".gif", f.body)
}

func (f *fakeDownloader) FetchImage(_ context.Context, locator string) (*media.Artifact, error) {
	if strings.HasSuffix(locator, "broken.png") {
		return nil, errors.New("status 404")
	}
	return writeTemp(f.dir, ".png", pngBytes)
}

type fakeGallery struct{ locators []string }

func (f fakeGallery) Locators(context.Context, content.Ref) ([]string, error) { return f.locators, nil }

type fakeConverter struct{ dir string }

func (f fakeConverter) ToDeliverableVideo(_ context.Context, a *media.Artifact) (*media.Artifact, error) {
	out, err := writeTemp(f.dir, ".mp4", []byte("converted video"))
	if err != nil {
		return nil, err
	}
	out.Kind, out.MIME, out.Title = media.KindVideo, "video/mp4", a.Title
	return out, nil
}

func (f fakeConverter) ToDeliverableImage(_ context.Context, a *media.Artifact) (*media.Artifact, error) {
	return nil, errors.New("not expected")
}

type pipeline struct {
	svc   *Service
	sched *jobs.Scheduler
	sink  *fakeSink
	dir   string
}

func newPipeline(t *testing.T, deps Deps, cfg Settings) *pipeline {
	t.Helper()
	p := &pipeline{sink: newFakeSink(), dir: t.TempDir()}
	deps.Sink = p.sink
	if deps.Prober == nil {
		deps.Prober = fakeProber{res: content.ProbeResult{Size: -1}}
	}
	if deps.Converter == nil {
		deps.Converter = fakeConverter{dir: p.dir}
	}
	if deps.Guard == (media.Guard{}) {
		deps.Guard = media.Guard{FetchCeiling: 1 << 20, UploadCeiling: 1 << 20, PhotoCeiling: 1 << 20}
	}
	p.svc = New(deps, cfg)
	p.sched = jobs.NewScheduler(p.svc, jobs.Options{OnFailure: p.svc.OnFailure})
	p.svc.UseQueue(p.sched)

	ctx, cancel := context.WithCancel(context.Background())
	go p.sched.Run(ctx)
	t.Cleanup(func() {
		cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_, _ = p.sched.Close(closeCtx)
	})
	return p
}

func (p *pipeline) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.sink.done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.sched.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func (p *pipeline) leftovers(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, media.TempPrefix+"*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestPipelineGenericAnimation(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{dir: dir, body: gifBytes}
	p := newPipeline(t, Deps{Generic: dl}, Settings{DeleteSource: true, FetchMaxAttempts: 2})

	err := p.svc.HandleMessage(context.Background(), Message{ChatID: 1, MessageID: 42, Private: true, Text: "https://example.com/cat.gif"})
	if err != nil {
		t.Fatal(err)
	}
	p.wait(t)

	if len(p.sink.sent) != 1 || p.sink.sent[0].method != "video" || !p.sink.sent[0].existed {
		t.Fatalf("sent = %+v", p.sink.sent)
	}
	if len(p.sink.deleted) != 1 || p.sink.deleted[0] != 42 {
		t.Fatalf("deleted = %v", p.sink.deleted)
	}
	if left := p.leftovers(t, dir); len(left) != 0 {
		t.Fatalf("fetched files left behind: %v", left)
	}
	if left := p.leftovers(t, p.dir); len(left) != 0 {
		t.Fatalf("converted files left behind: %v", left)
	}
}

func TestPipelineRetriesTransientFetch(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{dir: dir, body: gifBytes, failures: []error{errors.New("status 503")}}
	p := newPipeline(t, Deps{Generic: dl}, Settings{DeleteSource: true, FetchMaxAttempts: 2, RetryBackoff: time.Millisecond})

	if err := p.svc.HandleMessage(context.Background(), Message{ChatID: 1, MessageID: 1, Private: true, Text: "https://example.com/a.gif"}); err != nil {
		t.Fatal(err)
	}
	p.wait(t)
	if dl.calls != 2 || len(p.sink.sent) != 1 || len(p.sink.texts) != 0 {
		t.Fatalf("calls = %d sent = %+v texts = %v", dl.calls, p.sink.sent, p.sink.texts)
	}
}

func TestPipelineFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	undownloadable := &fetch.Error{Adapter: "generic", Locator: "https://example.com/page", Reason: fetch.ErrUndownloadable, Err: errors.New("status 404")}
	dl := &fakeDownloader{dir: dir, failures: []error{undownloadable, undownloadable}}
	p := newPipeline(t, Deps{Generic: dl}, Settings{DeleteSource: true, FetchMaxAttempts: 2})

	if err := p.svc.HandleMessage(context.Background(), Message{ChatID: 1, MessageID: 5, Private: true, Text: "https://example.com/page"}); err != nil {
		t.Fatal(err)
	}
	p.wait(t)
	if dl.calls != 1 {
		t.Fatalf("fatal error was retried: %d calls", dl.calls)
	}
	if len(p.sink.texts) != 1 || p.sink.texts[0] != "Can't download this type of link!\nhttps://example.com/page" {
		t.Fatalf("texts = %q", p.sink.texts)
	}
	if len(p.sink.deleted) != 0 {
		t.Fatal("source message deleted after a failure")
	}
}

func TestPipelineUploadCeiling(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{dir: dir, body: gifBytes}
	guard := media.Guard{FetchCeiling: 1 << 20, UploadCeiling: 4}
	p := newPipeline(t, Deps{Generic: dl, Guard: guard}, Settings{FetchMaxAttempts: 1})

	if err := p.svc.HandleMessage(context.Background(), Message{ChatID: 1, MessageID: 5, Private: true, Text: "https://example.com/big.gif"}); err != nil {
		t.Fatal(err)
	}
	p.wait(t)
	if len(p.sink.sent) != 0 {
		t.Fatalf("oversized upload was sent: %+v", p.sink.sent)
	}
	if len(p.sink.texts) != 1 || !strings.HasPrefix(p.sink.texts[0], "Can't download - video is too big!") {
		t.Fatalf("texts = %q", p.sink.texts)
	}
	if left := p.leftovers(t, p.dir); len(left) != 0 {
		t.Fatalf("oversized output left behind: %v", left)
	}
}

func TestPipelineGalleryAlbum(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{dir: dir}
	gallery := fakeGallery{locators: []string{
		"https://img.reactor.cc/pics/post/1.png",
		"https://img.reactor.cc/pics/post/broken.png",
		"https://img.reactor.cc/pics/post/2.png",
		"https://img.reactor.cc/pics/post/3.png",
	}}
	p := newPipeline(t, Deps{Generic: dl, Gallery: gallery}, Settings{
		DeleteSource:   true,
		AlbumSize:      2,
		BatchDelay:     time.Millisecond,
		GalleryWorkers: 2,
	})

	link := "https://joyreactor.cc/post/12345"
	if err := p.svc.HandleMessage(context.Background(), Message{ChatID: -1, MessageID: 9, Private: true, Text: link}); err != nil {
		t.Fatal(err)
	}
	p.wait(t)

	if len(p.sink.sent) != 2 {
		t.Fatalf("sent = %+v", p.sink.sent)
	}
	first, second := p.sink.sent[0], p.sink.sent[1]
	if first.method != "group" || first.count != 2 || first.caption != "Full: "+link+" (1/2)" || !first.existed {
		t.Fatalf("first batch = %+v", first)
	}
	if second.method != "photo" || second.caption != "Full: "+link+" (2/2)" {
		t.Fatalf("second batch = %+v", second)
	}
	if left := p.leftovers(t, dir); len(left) != 0 {
		t.Fatalf("images left behind: %v", left)
	}
}
