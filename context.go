package eventsourcing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const (
	tenantIDKey      ctxKey = "tenantID"
	aggregateIDKey   ctxKey = "aggregateID"
	aggregateTypeKey ctxKey = "aggregateType"
	eventIDKey       ctxKey = "eventID"
	sequenceKey      ctxKey = "sequence"
	createdAtKey     ctxKey = "createdAt"
	metadataKey      ctxKey = "metadata"
	replayKey        ctxKey = "replay"
)

// WithDelivery adds the record of a delivery to the context.
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	if d.Record != nil {
		ctx = WithRecord(ctx, d.Record)
	}
	return context.WithValue(ctx, replayKey, d.Replay)
}

// WithRecord adds the identity and position of a record to the context.
func WithRecord(ctx context.Context, r *EventRecord) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, r.TenantID)
	ctx = context.WithValue(ctx, aggregateIDKey, r.AggregateID)
	ctx = context.WithValue(ctx, aggregateTypeKey, r.AggregateType)
	ctx = context.WithValue(ctx, eventIDKey, r.EventID)
	ctx = context.WithValue(ctx, sequenceKey, r.Sequence)
	ctx = context.WithValue(ctx, createdAtKey, r.CreatedAt)
	ctx = context.WithValue(ctx, metadataKey, r.Metadata)
	return ctx
}

// TenantIDFromContext returns the tenant or "" if not present
func TenantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		return v
	}
	return ""
}

// AggregateIDFromContext returns the aggregate id or "" if not present
func AggregateIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(aggregateIDKey).(string); ok {
		return v
	}
	return ""
}

// AggregateTypeFromContext returns the aggregate type or "" if not present
func AggregateTypeFromContext(ctx context.Context) AggregateType {
	if v, ok := ctx.Value(aggregateTypeKey).(AggregateType); ok {
		return v
	}
	return ""
}

// EventIDFromContext returns the EventID or uuid.Nil if not present
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(eventIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// SequenceFromContext returns the sequence or 0 if not present
func SequenceFromContext(ctx context.Context) uint64 {
	if v, ok := ctx.Value(sequenceKey).(uint64); ok {
		return v
	}
	return 0
}

// CreatedAtFromContext returns CreatedAt or zero time if not present
func CreatedAtFromContext(ctx context.Context) time.Time {
	if v, ok := ctx.Value(createdAtKey).(time.Time); ok {
		return v
	}
	return time.Time{}
}

// MetadataFromContext returns Metadata or nil if not present
func MetadataFromContext(ctx context.Context) map[string]string {
	if v, ok := ctx.Value(metadataKey).(map[string]string); ok {
		return v
	}
	return nil
}

// IsReplay reports whether the context carries a replayed delivery.
func IsReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey).(bool)
	return v
}
