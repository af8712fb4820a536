package media

import (
	"log/slog"
	"sync"

	"github.com/ChaikaBogdan/memes2telegram/telemetry"
)

// Scope is the deferred-cleanup list of a single job. Every temporary artifact tracked by
// a scope is removed when the scope closes unless it was detached first, which is how
// ownership moves to a follow-up job.
type Scope struct {
	mu     sync.Mutex
	items  []*Artifact
	closed bool
	logger *slog.Logger
}

// NewScope returns an empty scope that logs cleanup failures with logger.
func NewScope(logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{logger: logger}
}

// Track registers artifacts for removal. Artifacts tracked after Close are removed at once.
func (s *Scope) Track(arts ...*Artifact) {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		for _, a := range arts {
			if a != nil {
				s.items = append(s.items, a)
			}
		}
	}
	s.mu.Unlock()
	if closed {
		for _, a := range arts {
			s.remove(a)
		}
	}
}

// Detach stops tracking a without removing it.
func (s *Scope) Detach(a *Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it == a {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Len reports how many artifacts the scope currently owns.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close removes every tracked artifact and returns how many were removed. Closing twice is a no-op.
func (s *Scope) Close() int {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.closed = true
	s.mu.Unlock()

	n := 0
	for _, a := range items {
		if s.remove(a) {
			n++
		}
	}
	return n
}

func (s *Scope) remove(a *Artifact) bool {
	if a == nil || !a.Temporary {
		return false
	}
	if err := a.Remove(); err != nil {
		s.logger.Warn("temp artifact cleanup failed", slog.String("path", a.Path), slog.Any("err", err))
		return false
	}
	telemetry.TempFileRemoved()
	return true
}
