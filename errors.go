package eventsourcing

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an aggregate or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when another writer got there first:
	// either the lock is held or the expected version no longer matches.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStorageUnavailable wraps failures of the event log, snapshot store or lock backend.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrObserverDispatchFailed is returned when an observer fails during replay.
	ErrObserverDispatchFailed = errors.New("observer dispatch failed")

	// ErrInvalidEventBatch is returned when records passed to Append do not
	// continue the stream contiguously.
	ErrInvalidEventBatch = errors.New("invalid event batch")

	// ErrLockLost is returned when a lock handle no longer owns its key.
	ErrLockLost = errors.New("lock lost")

	// ErrEventNotRegistered is returned when an event type has no factory in the EventRegistry.
	ErrEventNotRegistered = errors.New("event type not registered")

	// ErrCorruptStream is returned when a stream read back from the log is not contiguous.
	ErrCorruptStream = errors.New("corrupt event stream")

	// ErrUnknownAggregateType is returned when no repository is registered for an aggregate type.
	ErrUnknownAggregateType = errors.New("unknown aggregate type")
)

type NotFoundError struct {
	TenantID    string
	AggregateID string
	// Sequence is set when a specific event was requested.
	Sequence uint64
}

func (e *NotFoundError) Error() string {
	if e.Sequence > 0 {
		return fmt.Sprintf("event %d of aggregate %q (tenant %q) not found", e.Sequence, e.AggregateID, e.TenantID)
	}
	return fmt.Sprintf("aggregate %q (tenant %q) not found", e.AggregateID, e.TenantID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConcurrencyConflictError reports an expected version that no longer matches the log.
type ConcurrencyConflictError struct {
	Stream          StreamID
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: (expected version %d, actual %d)", e.Stream, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// LockConflictError reports a lock key held by another owner.
type LockConflictError struct {
	Key LockKey
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock %q is held by another writer", e.Key)
}

func (e *LockConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// StorageError wraps a backend failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// WrapStorageError wraps err as a StorageError. Errors that already carry a
// domain meaning (not found, conflict, storage) and context errors pass through.
func WrapStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrInvalidEventBatch) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ObserverDispatchError identifies the observer and event that failed during replay.
type ObserverDispatchError struct {
	Observer  string
	EventType string
	Sequence  uint64
	Err       error
}

func (e *ObserverDispatchError) Error() string {
	return fmt.Sprintf("observer %q failed on %s (sequence %d): %v", e.Observer, e.EventType, e.Sequence, e.Err)
}

func (e *ObserverDispatchError) Unwrap() error { return e.Err }

func (e *ObserverDispatchError) Is(target error) bool { return target == ErrObserverDispatchFailed }
