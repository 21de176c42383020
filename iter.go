package eventsourcing

import (
	"context"
	"errors"
	"io"
)

// Iterator is a lazy, single-pass cursor.
//
// The producing function returns io.EOF to end the iteration. Any other error
// stops the iteration and is reported by Err.
type Iterator[T any] struct {
	nextFunc func(ctx context.Context) (T, error)
	current  T
	err      error
	done     bool
}

// NewIteratorFunc creates an Iterator from a function producing the next value.
func NewIteratorFunc[T any](nextFunc func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: nextFunc}
}

// NewSliceIterator iterates over the given values.
func NewSliceIterator[T any](values []T) *Iterator[T] {
	i := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if i >= len(values) {
			return zero, io.EOF
		}
		v := values[i]
		i++
		return v, nil
	})
}

// Next advances the iterator. It returns false when the iterator is exhausted,
// failed, or ctx is done.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		it.done = true
		return false
	}

	v, err := it.nextFunc(ctx)
	if err != nil {
		var zero T
		it.current = zero
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return false
	}
	it.current = v
	return true
}

// Value returns the current value.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All consumes the iterator and returns the remaining values.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	results := make([]T, 0)
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}
