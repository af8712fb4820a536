package convert

import (
	"context"
	"log/slog"

	"github.com/ChaikaBogdan/memes2telegram/telemetry"
)

// Pool limits how many CPU-heavy conversions run at once so transcodes never starve
// message handling.
type Pool struct {
	sem chan struct{}
}

// NewPool returns a pool with n slots (at least one).
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	slog.Info("conversion concurrency limit initialized", slog.Int("max_concurrent", n))
	return &Pool{sem: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done. Returns true if the slot was taken.
func (p *Pool) Acquire(ctx context.Context) bool {
	select {
	case p.sem <- struct{}{}:
		telemetry.SetActiveConversions(len(p.sem))
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot taken by Acquire.
func (p *Pool) Release() {
	select {
	case <-p.sem:
		telemetry.SetActiveConversions(len(p.sem))
	default:
		slog.Warn("conversion slot release called without corresponding acquire")
	}
}

// Do runs fn while holding a slot.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if !p.Acquire(ctx) {
		return ctx.Err()
	}
	defer p.Release()
	return fn()
}

// Active returns the number of slots in use.
func (p *Pool) Active() int { return len(p.sem) }

// Size returns the configured slot count.
func (p *Pool) Size() int { return cap(p.sem) }
