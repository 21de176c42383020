package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/policyhub/eventsourcing"
)

var _ eventsourcing.SnapshotStore = (*TelemetrySnapshotStore)(nil)

// TelemetrySnapshotStore wraps a SnapshotStore with spans and metrics.
type TelemetrySnapshotStore struct {
	next eventsourcing.SnapshotStore
	cfg  *config
}

// WithSnapshotStoreTelemetry wraps next with OpenTelemetry tracing and metrics.
// Lookups are counted on SnapshotsLoaded with a hit attribute, so the share of
// loads that replay from the start of the stream is visible.
func WithSnapshotStoreTelemetry(next eventsourcing.SnapshotStore, options ...Option) *TelemetrySnapshotStore {
	return &TelemetrySnapshotStore{next: next, cfg: newConfig(options)}
}

func (t *TelemetrySnapshotStore) GetLatest(ctx context.Context, tenantID, aggregateID string) (*eventsourcing.Snapshot, error) {
	ctx, span := t.start(ctx, "SnapshotStore.GetLatest", "get_latest", tenantID, aggregateID)
	defer span.End()

	snap, err := t.next.GetLatest(ctx, tenantID, aggregateID)
	return snap, t.loaded(ctx, span, snap, err)
}

func (t *TelemetrySnapshotStore) GetAtOrBelow(ctx context.Context, tenantID, aggregateID string, maxVersion uint64) (*eventsourcing.Snapshot, error) {
	ctx, span := t.start(ctx, "SnapshotStore.GetAtOrBelow", "get_at_or_below", tenantID, aggregateID,
		AttrStreamVersion.Int64(int64(maxVersion)))
	defer span.End()

	snap, err := t.next.GetAtOrBelow(ctx, tenantID, aggregateID, maxVersion)
	return snap, t.loaded(ctx, span, snap, err)
}

func (t *TelemetrySnapshotStore) Save(ctx context.Context, snapshot eventsourcing.Snapshot) error {
	ctx, span := t.start(ctx, "SnapshotStore.Save", "save", snapshot.TenantID, snapshot.AggregateID,
		AttrAggregateType.String(string(snapshot.AggregateType)),
		AttrSnapshotVersion.Int64(int64(snapshot.Version)))
	defer span.End()

	if err := t.next.Save(ctx, snapshot); err != nil {
		SnapshotErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("save")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	SnapshotsSaved.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(string(snapshot.AggregateType))))
	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *TelemetrySnapshotStore) start(ctx context.Context, name, operation, tenantID, aggregateID string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := append([]attribute.KeyValue{
		AttrOperation.String(operation),
		AttrTenantID.String(tenantID),
		AttrAggregateID.String(aggregateID),
	}, extra...)
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.spanAttributes(ctx, attrs...)...),
	)
}

func (t *TelemetrySnapshotStore) loaded(ctx context.Context, span trace.Span, snap *eventsourcing.Snapshot, err error) error {
	if err != nil {
		SnapshotErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("load")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	SnapshotsLoaded.Add(ctx, 1, metric.WithAttributes(AttrSnapshotHit.Bool(snap != nil)))
	span.SetAttributes(AttrSnapshotHit.Bool(snap != nil))
	if snap != nil {
		span.SetAttributes(AttrSnapshotVersion.Int64(int64(snap.Version)))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
