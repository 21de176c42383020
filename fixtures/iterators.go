package fixtures

import (
	"context"
	"io"

	es "github.com/policyhub/eventsourcing"
)

// EmptyIterator returns an iterator that yields no records.
func EmptyIterator() *es.Iterator[*es.EventRecord] {
	return es.NewIteratorFunc(func(ctx context.Context) (*es.EventRecord, error) {
		return nil, io.EOF
	})
}

// FailingIterator returns an iterator that fails with the given error.
func FailingIterator(err error) *es.Iterator[*es.EventRecord] {
	return es.NewIteratorFunc(func(ctx context.Context) (*es.EventRecord, error) {
		return nil, err
	})
}

// FailAfterNIterator returns an iterator that yields n records, then fails.
func FailAfterNIterator(records []es.EventRecord, n int, err error) *es.Iterator[*es.EventRecord] {
	idx := 0
	return es.NewIteratorFunc(func(ctx context.Context) (*es.EventRecord, error) {
		if idx >= n {
			return nil, err
		}
		if idx >= len(records) {
			return nil, io.EOF
		}
		rec := &records[idx]
		idx++
		return rec, nil
	})
}

// DelayedIterator calls beforeNext before yielding each record.
// Useful for cancelling a context in the middle of a replay.
func DelayedIterator(records []es.EventRecord, beforeNext func(i int)) *es.Iterator[*es.EventRecord] {
	idx := 0
	return es.NewIteratorFunc(func(ctx context.Context) (*es.EventRecord, error) {
		if beforeNext != nil {
			beforeNext(idx)
		}
		if idx >= len(records) {
			return nil, io.EOF
		}
		rec := &records[idx]
		idx++
		return rec, nil
	})
}
