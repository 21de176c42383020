package otel

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/policyhub/eventsourcing"
)

const metadataCorrelationID = "correlationId"

var _ eventsourcing.EventLog = (*TelemetryEventLog)(nil)

// TelemetryEventLog wraps an EventLog with spans and metrics.
type TelemetryEventLog struct {
	next eventsourcing.EventLog
	cfg  *config
}

// WithEventLogTelemetry wraps next with OpenTelemetry tracing and metrics.
//
// Metrics recorded:
//   - EventLogAppends, EventsAppended and EventLogDuration for every append.
//   - ConcurrencyConflicts with conflict type "version" when an append loses.
//   - EventLogReads and EventsLoaded while a ReadFrom iterator is consumed.
//   - EventLogErrors for every failure.
//
// Example Usage:
//
//	log := otel.WithEventLogTelemetry(postgres.NewEventLog(pool))
//	repo := eventsourcing.NewRepository(def, log, snaps, registry,
//	    eventsourcing.WithRecordMetadata(otel.TraceMetadata))
func WithEventLogTelemetry(next eventsourcing.EventLog, options ...Option) *TelemetryEventLog {
	return &TelemetryEventLog{next: next, cfg: newConfig(options)}
}

// Append with metrics + span
func (t *TelemetryEventLog) Append(ctx context.Context, stream eventsourcing.StreamID, records []eventsourcing.EventRecord, expectedVersion uint64) (uint64, error) {
	ctx, span := tracer.Start(ctx, "EventLog.Append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.spanAttributes(ctx,
			AttrOperation.String("append"),
			AttrStreamID.String(stream.String()),
			AttrAggregateType.String(string(stream.AggregateType)),
			AttrExpectedVersion.Int64(int64(expectedVersion)),
			AttrEventCount.Int(len(records)),
		)...),
	)
	defer span.End()

	typeAttr := metric.WithAttributes(AttrAggregateType.String(string(stream.AggregateType)))

	start := time.Now()
	version, err := t.next.Append(ctx, stream, records, expectedVersion)
	EventLogDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("append")),
	)
	EventLogAppends.Add(ctx, 1, typeAttr)

	if err != nil {
		EventLogErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("append")))
		if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(AttrConflictType.String(conflictVersion)))
			span.AddEvent("concurrency_conflict", trace.WithAttributes(AttrStreamID.String(stream.String())))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return version, err
	}

	EventsAppended.Add(ctx, int64(len(records)), typeAttr)
	StreamVersionGauge.Record(ctx, int64(version), typeAttr)
	span.SetAttributes(AttrStreamVersion.Int64(int64(version)))
	span.SetStatus(codes.Ok, "")
	return version, nil
}

// ReadFrom with inline tracing middleware
//
// The span covers the consumption of the iterator, not the call itself, and
// ends when the iterator is exhausted or fails.
func (t *TelemetryEventLog) ReadFrom(ctx context.Context, tenantID, aggregateID string, fromExclusive uint64) (*eventsourcing.Iterator[*eventsourcing.EventRecord], error) {
	EventLogReads.Add(ctx, 1)
	iter, err := t.next.ReadFrom(ctx, tenantID, aggregateID, fromExclusive)
	if err != nil {
		EventLogErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("read")))
		return iter, err
	}

	started := false
	var startedAt time.Time
	var readSpan trace.Span
	var eventCount int64

	return eventsourcing.NewIteratorFunc(func(ctx context.Context) (*eventsourcing.EventRecord, error) {
		if !started {
			started = true
			startedAt = time.Now()
			ctx, readSpan = tracer.Start(ctx, "EventLog.ReadFrom",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(t.cfg.spanAttributes(ctx,
					AttrOperation.String("read"),
					AttrTenantID.String(tenantID),
					AttrAggregateID.String(aggregateID),
					AttrEventStreamPos.Int64(int64(fromExclusive)),
				)...),
			)
		}

		if !iter.Next(ctx) {
			readSpan.SetAttributes(AttrEventCount.Int64(eventCount))

			err := iter.Err()
			if err == nil {
				EventLogDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()),
					metric.WithAttributes(AttrOperation.String("read")),
				)
				readSpan.SetStatus(codes.Ok, "")
				readSpan.End()
				return nil, io.EOF
			}

			EventLogErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("read")))
			readSpan.RecordError(err)
			readSpan.SetStatus(codes.Error, err.Error())
			readSpan.End()
			return nil, err
		}

		eventCount++
		val := iter.Value()
		EventsLoaded.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(string(val.AggregateType))))

		return val, nil
	}), nil
}

// Exists with span
func (t *TelemetryEventLog) Exists(ctx context.Context, tenantID, aggregateID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "EventLog.Exists",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.spanAttributes(ctx,
			AttrOperation.String("exists"),
			AttrTenantID.String(tenantID),
			AttrAggregateID.String(aggregateID),
		)...),
	)
	defer span.End()

	ok, err := t.next.Exists(ctx, tenantID, aggregateID)
	if err != nil {
		EventLogErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("exists")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}

// TraceMetadata returns the trace context of ctx as record metadata, for use
// with eventsourcing.WithRecordMetadata. Observers instrumented with
// WithObserverTelemetry link their spans to it.
func TraceMetadata(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		carrier[metadataCorrelationID] = sc.TraceID().String()
	}
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}
