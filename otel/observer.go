package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/policyhub/eventsourcing"
)

var _ eventsourcing.Observer = (*TelemetryObserver)(nil)

// TelemetryObserver wraps an Observer with spans and metrics.
//
// Each delivery gets a consumer span named "observer.handle {name}". When the
// record carries trace metadata (see TraceMetadata) the span is linked to the
// trace of the command that appended it, so live deliveries and replays can be
// followed back to the original write.
type TelemetryObserver struct {
	next eventsourcing.Observer
	cfg  *config
}

// WithObserverTelemetry wraps next with OpenTelemetry tracing and metrics.
//
// Example Usage:
//
//	dispatcher, err := eventsourcing.NewDispatcher(
//	    otel.WithObserverTelemetry(summaryProjector),
//	    otel.WithObserverTelemetry(kafka.NewObserver(producer)),
//	)
func WithObserverTelemetry(next eventsourcing.Observer, options ...Option) *TelemetryObserver {
	return &TelemetryObserver{next: next, cfg: newConfig(options)}
}

func (t *TelemetryObserver) Name() string { return t.next.Name() }

func (t *TelemetryObserver) Capabilities() []eventsourcing.Capability { return t.next.Capabilities() }

func (t *TelemetryObserver) Handle(ctx context.Context, d eventsourcing.Delivery) error {
	rec := d.Record
	name := t.next.Name()

	caps := t.next.Capabilities()
	capNames := make([]string, len(caps))
	for i, c := range caps {
		capNames[i] = string(c)
	}

	attr := t.cfg.spanAttributes(ctx,
		AttrObserverName.String(name),
		AttrCapabilities.StringSlice(capNames),
		AttrEventType.String(rec.EventType),
		AttrEventID.String(rec.EventID.String()),
		AttrEventStreamPos.Int64(int64(rec.Sequence)),
		AttrStreamID.String(rec.Stream().String()),
		AttrReplay.Bool(d.Replay),
	)

	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attr...),
	}
	if len(rec.Metadata) > 0 {
		origin := otel.GetTextMapPropagator().Extract(context.Background(), propagation.MapCarrier(rec.Metadata))
		if sc := trace.SpanContextFromContext(origin); sc.IsValid() {
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: sc,
				Attributes: []attribute.KeyValue{
					attribute.String("link.reason", "event.appended"),
				},
			}))
		}
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("observer.handle %s", name), opts...)
	defer span.End()

	metricAttr := metric.WithAttributes(
		AttrObserverName.String(name),
		AttrEventType.String(rec.EventType),
		AttrReplay.Bool(d.Replay),
	)
	ObserverDispatches.Add(ctx, 1, metricAttr)

	startTime := time.Now()
	err := t.next.Handle(ctx, d)
	ObserverDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metricAttr)

	if err != nil {
		ObserverErrors.Add(ctx, 1, metricAttr)
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
