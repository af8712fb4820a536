package jobs

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChaikaBogdan/memes2telegram/media"
	"github.com/ChaikaBogdan/memes2telegram/telemetry"
)

// Handler executes one job run.
type Handler interface {
	Handle(ctx context.Context, run *Run) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, run *Run) error

func (f HandlerFunc) Handle(ctx context.Context, run *Run) error { return f(ctx, run) }

// Options tune a Scheduler.
type Options struct {
	// MaxAttempts is the hard ceiling on runs of one job, retries included. Default 5.
	MaxAttempts int
	// OnFailure is called after a job failed for good and its scope was closed.
	OnFailure func(ctx context.Context, job Job, err error)
	Logger    *slog.Logger
	Now       func() time.Time
}

// Run is the handle a handler gets for the job it executes.
type Run struct {
	Job   Job
	Scope *media.Scope
	s     *Scheduler
}

// Chain enqueues a follow-up job in the same chat. Artifacts carried by payload stop being
// owned by this run and are adopted by the follow-up when it starts.
func (r *Run) Chain(payload Payload, delay time.Duration) (uuid.UUID, error) {
	if c, ok := payload.(artifactCarrier); ok {
		for _, a := range c.Artifacts() {
			r.Scope.Detach(a)
		}
	}
	return r.s.Enqueue(r.Job.ChatID, payload, delay)
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	Pending int            `json:"pending"`
	Running map[string]int `json:"running"`
	Next    *time.Time     `json:"next_due,omitempty"`
	Jobs    []JobView      `json:"jobs"`
}

// JobView is the exported shape of a queued or running job.
type JobView struct {
	ID          string    `json:"id"`
	ChatID      int64     `json:"chat_id"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	Attempt     int       `json:"attempt"`
	ScheduledAt time.Time `json:"scheduled_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler holds pending jobs and starts each one when it becomes due.
type Scheduler struct {
	handler Handler
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	pending []*Job
	running map[uuid.UUID]*Job
	closed  bool
	wg      sync.WaitGroup
	wake    chan struct{}
}

// NewScheduler returns an idle scheduler; call Run to start executing jobs.
func NewScheduler(h Handler, opts Options) *Scheduler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		handler: h,
		opts:    opts,
		logger:  logger.With(slog.String("component", "jobs")),
		running: make(map[uuid.UUID]*Job),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue schedules payload for chatID after delay. Staggered payloads are pushed further
// back by delay for every job of the same kind already pending or running in the chat.
func (s *Scheduler) Enqueue(chatID int64, payload Payload, delay time.Duration) (uuid.UUID, error) {
	now := s.opts.Now()
	j := &Job{
		ID:        uuid.New(),
		ChatID:    chatID,
		Kind:      payload.Kind(),
		Payload:   payload,
		State:     StatePending,
		CreatedAt: now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, a := range j.artifacts() {
			_ = a.Remove()
		}
		return uuid.Nil, ErrClosed
	}
	if j.staggered() {
		delay *= time.Duration(1 + s.activeStaggered(chatID, j.Kind))
	}
	j.Delay = delay
	j.ScheduledAt = now.Add(delay)
	s.pending = append(s.pending, j)
	depth := len(s.pending)
	s.mu.Unlock()

	telemetry.RecordJobEnqueued(j.Kind.String())
	telemetry.SetQueueDepth(depth)
	s.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", j.Kind.String()),
		slog.Int64("chat_id", chatID),
		slog.Duration("delay", delay))
	s.notify()
	return j.ID, nil
}

// activeStaggered counts staggered jobs of kind in chatID. Caller holds mu.
func (s *Scheduler) activeStaggered(chatID int64, kind Kind) int {
	n := 0
	count := func(j *Job) {
		if j.ChatID == chatID && j.Kind == kind && j.staggered() {
			n++
		}
	}
	for _, j := range s.pending {
		count(j)
	}
	for _, j := range s.running {
		count(j)
	}
	return n
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunDue starts every pending job whose time has come and returns how many were started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.opts.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	var due []*Job
	kept := s.pending[:0]
	for _, j := range s.pending {
		if !j.ScheduledAt.After(now) {
			j.State = StateRunning
			j.AttemptCount++
			s.running[j.ID] = j
			due = append(due, j)
		} else {
			kept = append(kept, j)
		}
	}
	clear(s.pending[len(kept):])
	s.pending = kept
	depth := len(s.pending)
	s.wg.Add(len(due))
	s.mu.Unlock()

	if len(due) > 0 {
		telemetry.SetQueueDepth(depth)
	}
	for _, j := range due {
		go s.execute(ctx, j)
	}
	return len(due)
}

// Run executes due jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", slog.Int("max_attempts", s.opts.MaxAttempts))
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.RunDue(ctx)
		wait := time.Hour
		if next, ok := s.nextDue(); ok {
			wait = max(next.Sub(s.opts.Now()), 0)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, j := range s.pending {
		if next.IsZero() || j.ScheduledAt.Before(next) {
			next = j.ScheduledAt
		}
	}
	return next, !next.IsZero()
}

func (s *Scheduler) execute(ctx context.Context, j *Job) {
	defer s.wg.Done()
	kind := j.Kind.String()
	s.setRunningGauge(j.Kind)

	s.mu.Lock()
	run := &Run{Job: *j, s: s}
	s.mu.Unlock()

	logger := s.logger.With(
		slog.String("job_id", j.ID.String()),
		slog.String("kind", kind),
		slog.Int64("chat_id", j.ChatID),
		slog.Int("attempt", run.Job.AttemptCount))
	run.Scope = media.NewScope(logger)
	run.Scope.Track(j.artifacts()...)

	ctx = telemetry.WithCorrelation(ctx, j.ID.String())
	ctx, span := telemetry.StartSpan(ctx, "jobs", "job."+kind, telemetry.JobAttrs(j.ID.String(), kind, j.ChatID, run.Job.AttemptCount)...)
	defer span.End()

	start := time.Now()
	err := s.invoke(ctx, run)

	var retry *RetryError
	wantRetry := errors.As(err, &retry) && run.Job.AttemptCount < s.opts.MaxAttempts && !s.isClosed()
	if wantRetry {
		// the next attempt owns the payload's files again
		for _, a := range j.artifacts() {
			run.Scope.Detach(a)
		}
	}
	removed := run.Scope.Close()

	outcome := "succeeded"
	requeued := false
	s.mu.Lock()
	delete(s.running, j.ID)
	switch {
	case err == nil:
		j.State = StateSucceeded
	case wantRetry && !s.closed:
		outcome, requeued = "retried", true
		j.State = StatePending
		j.LastError = err.Error()
		j.ScheduledAt = s.opts.Now().Add(retry.Delay)
		s.pending = append(s.pending, j)
	default:
		outcome = "failed"
		j.State = StateFailed
		j.LastError = err.Error()
	}
	final := *j
	s.mu.Unlock()
	if wantRetry && !requeued {
		// closed while this run was finishing
		for _, a := range j.artifacts() {
			_ = a.Remove()
		}
	}
	s.setRunningGauge(j.Kind)
	telemetry.RecordJobCompleted(kind, outcome, time.Since(start))

	switch {
	case err == nil:
		telemetry.SetSpanSuccess(span)
		logger.Info("job succeeded", slog.Duration("duration", time.Since(start)), slog.Int("temp_removed", removed))
	case requeued:
		telemetry.RecordError(span, err)
		logger.Warn("job will be retried", slog.Any("err", err), slog.Duration("retry_in", retry.Delay))
		s.notify()
	default:
		telemetry.RecordError(span, err)
		logger.Error("job failed", slog.Any("err", err), slog.Duration("duration", time.Since(start)))
		if s.opts.OnFailure != nil {
			s.opts.OnFailure(ctx, final, unwrapRetry(err))
		}
	}
}

// invoke calls the handler, turning a panic into *PanicError.
func (s *Scheduler) invoke(ctx context.Context, run *Run) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return s.handler.Handle(ctx, run)
}

func unwrapRetry(err error) error {
	var retry *RetryError
	if errors.As(err, &retry) && retry.Err != nil {
		return retry.Err
	}
	return err
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ready reports ErrClosed once Close has been called. It fits a readiness probe.
func (s *Scheduler) Ready(context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return nil
}

func (s *Scheduler) setRunningGauge(kind Kind) {
	s.mu.Lock()
	n := 0
	for _, j := range s.running {
		if j.Kind == kind {
			n++
		}
	}
	s.mu.Unlock()
	telemetry.SetRunningJobs(kind.String(), n)
}

// Snapshot reports pending and running jobs.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Pending: len(s.pending), Running: map[string]int{}}
	view := func(j *Job) JobView {
		return JobView{
			ID:          j.ID.String(),
			ChatID:      j.ChatID,
			Kind:        j.Kind.String(),
			State:       j.State.String(),
			Attempt:     j.AttemptCount,
			ScheduledAt: j.ScheduledAt,
			LastError:   j.LastError,
		}
	}
	for _, j := range s.running {
		snap.Running[j.Kind.String()]++
		snap.Jobs = append(snap.Jobs, view(j))
	}
	for _, j := range s.pending {
		if snap.Next == nil || j.ScheduledAt.Before(*snap.Next) {
			t := j.ScheduledAt
			snap.Next = &t
		}
		snap.Jobs = append(snap.Jobs, view(j))
	}
	sort.Slice(snap.Jobs, func(a, b int) bool { return snap.Jobs[a].ScheduledAt.Before(snap.Jobs[b].ScheduledAt) })
	return snap
}

// Close stops accepting jobs, waits for running ones until ctx is done, and removes the
// temporary files of jobs that never started. It returns the number of dropped jobs.
func (s *Scheduler) Close(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	s.mu.Lock()
	dropped := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, j := range dropped {
		for _, a := range j.artifacts() {
			_ = a.Remove()
		}
	}
	telemetry.SetQueueDepth(0)
	s.logger.Info("scheduler closed", slog.Int("dropped", len(dropped)), slog.Any("err", waitErr))
	return len(dropped), waitErr
}
