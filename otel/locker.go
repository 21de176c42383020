package otel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/policyhub/eventsourcing"
)

var _ eventsourcing.Locker = (*TelemetryLocker)(nil)

// TelemetryLocker wraps a Locker with spans and metrics.
type TelemetryLocker struct {
	next eventsourcing.Locker
	cfg  *config

	mu       sync.Mutex
	acquired map[string]time.Time
}

// WithLockerTelemetry wraps next with OpenTelemetry tracing and metrics.
//
// Metrics recorded:
//   - LocksAcquired for every granted lock.
//   - ConcurrencyConflicts with conflict type "lock" when the key is held.
//   - LockHeldDuration between Acquire and Release of the same handle.
//   - LocksLost when a refresh finds the key taken over.
//   - LockErrors for backend failures.
func WithLockerTelemetry(next eventsourcing.Locker, options ...Option) *TelemetryLocker {
	return &TelemetryLocker{next: next, cfg: newConfig(options), acquired: make(map[string]time.Time)}
}

func (t *TelemetryLocker) Acquire(ctx context.Context, key eventsourcing.LockKey, ttl time.Duration) (*eventsourcing.LockHandle, error) {
	ctx, span := tracer.Start(ctx, "Locker.Acquire",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.spanAttributes(ctx,
			AttrOperation.String("acquire"),
			AttrLockKey.String(string(key)),
			AttrLockTTL.Int64(ttl.Milliseconds()),
		)...),
	)
	defer span.End()

	h, err := t.next.Acquire(ctx, key, ttl)
	if err != nil {
		if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(AttrConflictType.String(conflictLock)))
			span.AddEvent("lock_held", trace.WithAttributes(AttrLockKey.String(string(key))))
		} else {
			LockErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("acquire")))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return h, err
	}

	t.mu.Lock()
	t.acquired[h.Token] = time.Now()
	t.mu.Unlock()

	LocksAcquired.Add(ctx, 1)
	span.SetStatus(codes.Ok, "")
	return h, nil
}

func (t *TelemetryLocker) Release(ctx context.Context, h *eventsourcing.LockHandle) error {
	ctx, span := tracer.Start(ctx, "Locker.Release",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.spanAttributes(ctx,
			AttrOperation.String("release"),
			AttrLockKey.String(string(h.Key)),
		)...),
	)
	defer span.End()

	t.mu.Lock()
	since, ok := t.acquired[h.Token]
	delete(t.acquired, h.Token)
	t.mu.Unlock()
	if ok {
		LockHeldDuration.Record(ctx, float64(time.Since(since).Milliseconds()))
	}

	if err := t.next.Release(ctx, h); err != nil {
		LockErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("release")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *TelemetryLocker) Refresh(ctx context.Context, h *eventsourcing.LockHandle, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "Locker.Refresh",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.spanAttributes(ctx,
			AttrOperation.String("refresh"),
			AttrLockKey.String(string(h.Key)),
			AttrLockTTL.Int64(ttl.Milliseconds()),
		)...),
	)
	defer span.End()

	if err := t.next.Refresh(ctx, h, ttl); err != nil {
		if errors.Is(err, eventsourcing.ErrLockLost) {
			LocksLost.Add(ctx, 1)
		} else {
			LockErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("refresh")))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
