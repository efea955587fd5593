package dispatch

import (
	"context"
	"iter"
)

// Generator yields work items for one route. Yielding a non-nil error ends the
// feeder with a *GeneratorError; returning normally means "exhausted".
// Generators may be infinite.
type Generator[T any] iter.Seq2[T, error]

// FromSlice yields the elements of items in order.
func FromSlice[T any](items []T) Generator[T] {
	return func(yield func(T, error) bool) {
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
	}
}

// FromSeq adapts an iter.Seq that cannot fail.
func FromSeq[T any](seq iter.Seq[T]) Generator[T] {
	return func(yield func(T, error) bool) {
		for v := range seq {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// FromChan yields values received from ch until it is closed or ctx is done.
// A cancelled ctx is reported as a generator error.
func FromChan[T any](ctx context.Context, ch <-chan T) Generator[T] {
	return func(yield func(T, error) bool) {
		for {
			select {
			case v, ok := <-ch:
				if !ok {
					return
				}
				if !yield(v, nil) {
					return
				}
			case <-ctx.Done():
				var zero T
				yield(zero, ctx.Err())
				return
			}
		}
	}
}

// FromFunc calls next until it reports ok == false or fails.
func FromFunc[T any](next func() (v T, ok bool, err error)) Generator[T] {
	return func(yield func(T, error) bool) {
		for {
			v, ok, err := next()
			if err != nil {
				yield(v, err)
				return
			}
			if !ok {
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
