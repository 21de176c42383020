package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/policyhub/eventsourcing"
)

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and metrics.
//
// For each command it:
//  1. Starts a span named after the command type with the tenant and aggregate ID.
//  2. Tracks the command in CommandsInFlight while the handler runs.
//  3. Records CommandsDuration and either CommandsHandled or CommandsFailed.
//  4. Counts lost optimistic or lock races on ConcurrencyConflicts. The span
//     still carries an error status, since the command did not take effect.
//
// Example Usage:
//
//	handler := otel.WithCommandTelemetry(eventsourcing.NewCommandHandler(quotes, locker, decideAcceptQuote))
//	eventsourcing.Register(bus, handler)
func WithCommandTelemetry[C eventsourcing.Command](next eventsourcing.CommandHandler[C], options ...Option) eventsourcing.CommandHandler[C] {
	var zero C
	commandType := fmt.Sprintf("%T", zero)
	cfg := newConfig(options)
	typeAttr := metric.WithAttributes(AttrCommandType.String(commandType))

	return func(ctx context.Context, cmd C) (eventsourcing.AppendResult, error) {
		attr := cfg.spanAttributes(ctx,
			AttrCommandType.String(commandType),
			AttrTenantID.String(cmd.TenantID()),
			AttrAggregateID.String(cmd.AggregateID()),
		)

		ctx, span := tracer.Start(ctx, fmt.Sprintf("command.handle %s", commandType),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attr...),
		)
		defer span.End()

		CommandsInFlight.Add(ctx, 1, typeAttr)
		defer CommandsInFlight.Add(ctx, -1, typeAttr)

		startTime := time.Now()
		result, err := next(ctx, cmd)
		CommandsDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		span.SetAttributes(
			AttrStreamVersion.Int64(int64(result.NextExpectedVersion)),
			AttrEventCount.Int(len(result.Records)),
		)

		if err != nil {
			if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
				conflict := conflictVersion
				var lockErr *eventsourcing.LockConflictError
				if errors.As(err, &lockErr) {
					conflict = conflictLock
				}
				ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(
					AttrCommandType.String(commandType),
					AttrConflictType.String(conflict),
				))
				span.AddEvent("concurrency_conflict", trace.WithAttributes(attribute.String("conflict", conflict)))
			}

			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			CommandsFailed.Add(ctx, 1, typeAttr)
			return result, err
		}

		span.SetStatus(codes.Ok, "")
		CommandsHandled.Add(ctx, 1, typeAttr)
		return result, nil
	}
}
