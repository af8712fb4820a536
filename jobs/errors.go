package jobs

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned once the scheduler stopped accepting work.
var ErrClosed = errors.New("scheduler closed")

// PanicError is what a handler panic turns into.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }

// RetryError asks the scheduler to run the same job again after Delay.
type RetryError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// RetryAfter wraps err as a retry request. Whether it is honoured depends on the
// scheduler's attempt ceiling.
func RetryAfter(err error, d time.Duration) error {
	return &RetryError{Delay: d, Err: err}
}
