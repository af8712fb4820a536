// Package album cuts media lists into chat albums and sends them one at a time with a pause
// in between, so a long gallery never trips the platform's flood limits.
package album

import (
	"errors"
	"fmt"
)

// ErrInvalidSize is returned for a batch size below one.
var ErrInvalidSize = errors.New("album: batch size must be positive")

// Batch is one album worth of items.
type Batch[T any] struct {
	Items   []T
	Caption string
}

// MakeBatches splits items into consecutive batches of at most size. When the last batch
// is shorter than the one before it, the two are rebalanced: with total items in both, the
// tail of the previous batch starting at ceil(total/2) moves to the front of the last one.
// 19 items at size 9 give [9 5 5]; at size 10 they stay [10 9].
func MakeBatches[T any](items []T, size int) ([]Batch[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if len(items) == 0 {
		return nil, nil
	}
	batches := make([]Batch[T], 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunk := make([]T, end-start)
		copy(chunk, items[start:end])
		batches = append(batches, Batch[T]{Items: chunk})
	}

	n := len(batches)
	if n < 2 {
		return batches, nil
	}
	prev, last := batches[n-2].Items, batches[n-1].Items
	if len(prev) == len(last) {
		return batches, nil
	}
	total := len(prev) + len(last)
	start := (total + 1) / 2
	if start >= len(prev) {
		return batches, nil
	}
	moved := prev[start:]
	batches[n-1].Items = append(append(make([]T, 0, len(moved)+len(last)), moved...), last...)
	batches[n-2].Items = prev[:start:start]
	return batches, nil
}

// Caption numbers base as "(i/N)" when there is more than one batch; i is zero based.
func Caption(base string, i, n int) string {
	if n <= 1 {
		return base
	}
	suffix := fmt.Sprintf("(%d/%d)", i+1, n)
	if base == "" {
		return suffix
	}
	return base + " " + suffix
}

// WithCaptions fills every batch caption from base.
func WithCaptions[T any](batches []Batch[T], base string) []Batch[T] {
	for i := range batches {
		batches[i].Caption = Caption(base, i, len(batches))
	}
	return batches
}
