// Package otel decorates the store's components with OpenTelemetry tracing
// and metrics.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/policyhub/eventsourcing"
)

const (
	instrumentationName = "github.com/policyhub/eventsourcing"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType = attribute.Key("eventsourcing.command.type")
	AttrTenantID    = attribute.Key("eventsourcing.tenant.id")
	AttrAggregateID = attribute.Key("eventsourcing.aggregate.id")

	// Stream attributes
	AttrAggregateType   = attribute.Key("eventsourcing.aggregate.type")
	AttrStreamID        = attribute.Key("eventsourcing.stream.id")
	AttrStreamVersion   = attribute.Key("eventsourcing.stream.version")
	AttrExpectedVersion = attribute.Key("eventsourcing.stream.expected_version")

	// Event attributes
	AttrEventType      = attribute.Key("eventsourcing.event.type")
	AttrEventID        = attribute.Key("eventsourcing.event.id")
	AttrEventCount     = attribute.Key("eventsourcing.events.count")
	AttrEventStreamPos = attribute.Key("eventsourcing.event.stream_position")
	AttrReplay         = attribute.Key("eventsourcing.event.replay")

	// Observer attributes
	AttrObserverName = attribute.Key("eventsourcing.observer.name")
	AttrCapabilities = attribute.Key("eventsourcing.observer.capabilities")

	// Snapshot attributes
	AttrSnapshotVersion = attribute.Key("eventsourcing.snapshot.version")
	AttrSnapshotHit     = attribute.Key("eventsourcing.snapshot.hit")

	// Lock attributes
	AttrLockKey = attribute.Key("eventsourcing.lock.key")
	AttrLockTTL = attribute.Key("eventsourcing.lock.ttl_ms")

	// Operation attributes
	AttrOperation    = attribute.Key("eventsourcing.operation")
	AttrConflictType = attribute.Key("eventsourcing.conflict.type")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(eventsourcing.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventsourcing.InstrumentationVersion))

	// Command metrics
	CommandsHandled, _ = meter.Int64Counter(
		"eventsourcing.commands.handled",
		metric.WithDescription("Total number of commands handled"),
		metric.WithUnit("{command}"),
	)

	CommandsDuration, _ = meter.Float64Histogram(
		"eventsourcing.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)

	CommandsInFlight, _ = meter.Int64UpDownCounter(
		"eventsourcing.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)

	CommandsFailed, _ = meter.Int64Counter(
		"eventsourcing.commands.failed",
		metric.WithDescription("Number of failed commands"),
		metric.WithUnit("{command}"),
	)

	// Event metrics
	EventsAppended, _ = meter.Int64Counter(
		"eventsourcing.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"eventsourcing.events.loaded",
		metric.WithDescription("Number of events loaded from streams"),
		metric.WithUnit("{event}"),
	)

	// Event log metrics
	EventLogAppends, _ = meter.Int64Counter(
		"eventsourcing.eventlog.appends",
		metric.WithDescription("Number of append operations"),
		metric.WithUnit("{operation}"),
	)

	EventLogReads, _ = meter.Int64Counter(
		"eventsourcing.eventlog.reads",
		metric.WithDescription("Number of read operations"),
		metric.WithUnit("{operation}"),
	)

	EventLogDuration, _ = meter.Float64Histogram(
		"eventsourcing.eventlog.duration",
		metric.WithDescription("Event log operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventLogErrors, _ = meter.Int64Counter(
		"eventsourcing.eventlog.errors",
		metric.WithDescription("Number of event log errors"),
		metric.WithUnit("{error}"),
	)

	// Snapshot metrics
	SnapshotsLoaded, _ = meter.Int64Counter(
		"eventsourcing.snapshots.loaded",
		metric.WithDescription("Number of snapshot lookups, by hit"),
		metric.WithUnit("{snapshot}"),
	)

	SnapshotsSaved, _ = meter.Int64Counter(
		"eventsourcing.snapshots.saved",
		metric.WithDescription("Number of snapshots written"),
		metric.WithUnit("{snapshot}"),
	)

	SnapshotErrors, _ = meter.Int64Counter(
		"eventsourcing.snapshots.errors",
		metric.WithDescription("Number of snapshot store errors"),
		metric.WithUnit("{error}"),
	)

	// Lock metrics
	LocksAcquired, _ = meter.Int64Counter(
		"eventsourcing.locks.acquired",
		metric.WithDescription("Number of locks acquired"),
		metric.WithUnit("{lock}"),
	)

	LocksLost, _ = meter.Int64Counter(
		"eventsourcing.locks.lost",
		metric.WithDescription("Number of refreshes that found the lock taken over"),
		metric.WithUnit("{lock}"),
	)

	LockErrors, _ = meter.Int64Counter(
		"eventsourcing.locks.errors",
		metric.WithDescription("Number of lock backend errors"),
		metric.WithUnit("{error}"),
	)

	LockHeldDuration, _ = meter.Float64Histogram(
		"eventsourcing.locks.held",
		metric.WithDescription("Time between acquiring and releasing a lock"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 30000),
	)

	// Observer metrics
	ObserverDispatches, _ = meter.Int64Counter(
		"eventsourcing.observer.dispatches",
		metric.WithDescription("Number of deliveries handed to observers"),
		metric.WithUnit("{delivery}"),
	)

	ObserverErrors, _ = meter.Int64Counter(
		"eventsourcing.observer.errors",
		metric.WithDescription("Number of observer failures"),
		metric.WithUnit("{error}"),
	)

	ObserverDuration, _ = meter.Float64Histogram(
		"eventsourcing.observer.duration",
		metric.WithDescription("Observer handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// System metrics
	ConcurrencyConflicts, _ = meter.Int64Counter(
		"eventsourcing.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts, by conflict type"),
		metric.WithUnit("{conflict}"),
	)

	StreamVersionGauge, _ = meter.Int64Gauge(
		"eventsourcing.stream.version",
		metric.WithDescription("Current version of streams"),
		metric.WithUnit("{version}"),
	)
)

// Conflict types reported on ConcurrencyConflicts.
const (
	conflictVersion = "version"
	conflictLock    = "lock"
)
