package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
)

// Definition describes how to build and evolve one aggregate type.
type Definition[S any] struct {
	Type AggregateType
	// Initial returns the state of an aggregate before its first event.
	Initial func(tenantID, id string) S
	Evolve  Evolver[S]
}

// Publisher receives records after they are committed to the log.
type Publisher interface {
	Publish(ctx context.Context, records []EventRecord) error
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryOptions)

type repositoryOptions struct {
	policy        SnapshotPolicy
	logger        *slog.Logger
	publisher     Publisher
	metadataFuncs []func(ctx context.Context) map[string]string
}

// WithSnapshotPolicy overrides the default snapshot cadence.
func WithSnapshotPolicy(p SnapshotPolicy) RepositoryOption {
	return func(o *repositoryOptions) { o.policy = p }
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l *slog.Logger) RepositoryOption {
	return func(o *repositoryOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPublisher publishes committed records for live observer delivery.
func WithPublisher(p Publisher) RepositoryOption {
	return func(o *repositoryOptions) { o.publisher = p }
}

// WithRecordMetadata adds a function that contributes metadata to every record saved.
// Functions are applied in registration order; later keys win.
func WithRecordMetadata(fn func(ctx context.Context) map[string]string) RepositoryOption {
	return func(o *repositoryOptions) { o.metadataFuncs = append(o.metadataFuncs, fn) }
}

// Repository loads and saves aggregates of one type.
//
// Loading starts from the latest snapshot and folds the records that follow
// it. Saving appends the aggregate's uncommitted events with the version it
// was loaded at as the expected version, so a concurrent writer causes a
// ConcurrencyConflictError instead of a lost update. The Repository never
// takes the distributed lock; callers do (see NewCommandHandler).
type Repository[S any] struct {
	def      Definition[S]
	log      EventLog
	snaps    SnapshotStore
	registry *EventRegistry
	opts     repositoryOptions
}

// NewRepository creates a repository. snaps may be nil, which disables snapshots.
func NewRepository[S any](def Definition[S], log EventLog, snaps SnapshotStore, registry *EventRegistry, opts ...RepositoryOption) *Repository[S] {
	if !def.Type.Valid() {
		panic(fmt.Sprintf("invalid aggregate type %q", def.Type))
	}
	if def.Initial == nil || def.Evolve == nil {
		panic(fmt.Sprintf("definition of %s needs Initial and Evolve", def.Type))
	}
	o := repositoryOptions{
		policy: DefaultSnapshotPolicy(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Repository[S]{def: def, log: log, snaps: snaps, registry: registry, opts: o}
}

// AggregateType returns the type of aggregate the repository manages.
func (r *Repository[S]) AggregateType() AggregateType { return r.def.Type }

func (r *Repository[S]) stream(tenantID, id string) StreamID {
	return StreamID{TenantID: tenantID, AggregateType: r.def.Type, AggregateID: id}
}

// New returns a fresh aggregate at version 0.
func (r *Repository[S]) New(tenantID, id string) *Aggregate[S] {
	return newAggregate(r.stream(tenantID, id), r.def.Initial(tenantID, id), 0, r.def.Evolve)
}

// GetByID rehydrates the current state of an aggregate.
//
// It returns a NotFoundError when the aggregate has neither snapshot nor events.
func (r *Repository[S]) GetByID(ctx context.Context, tenantID, id string) (*Aggregate[S], error) {
	agg, err := r.load(ctx, tenantID, id, 0)
	if err != nil {
		return nil, err
	}
	if agg.version == 0 {
		return nil, &NotFoundError{TenantID: tenantID, AggregateID: id}
	}
	return agg, nil
}

// GetAt rehydrates an aggregate as of sequence, inclusive.
func (r *Repository[S]) GetAt(ctx context.Context, tenantID, id string, sequence uint64) (AggregateSnapshotResult[S], error) {
	if sequence == 0 {
		return AggregateSnapshotResult[S]{}, &NotFoundError{TenantID: tenantID, AggregateID: id}
	}
	agg, err := r.load(ctx, tenantID, id, sequence)
	if err != nil {
		return AggregateSnapshotResult[S]{}, err
	}
	if agg.version < sequence {
		return AggregateSnapshotResult[S]{}, &NotFoundError{TenantID: tenantID, AggregateID: id, Sequence: sequence}
	}
	return AggregateSnapshotResult[S]{Aggregate: agg, Sequence: agg.version}, nil
}

// load folds snapshot and tail. upTo of 0 means no upper bound.
func (r *Repository[S]) load(ctx context.Context, tenantID, id string, upTo uint64) (*Aggregate[S], error) {
	stream := r.stream(tenantID, id)
	agg := r.New(tenantID, id)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := r.loadSnapshot(ctx, stream, upTo)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if snap != nil {
		state := r.def.Initial(tenantID, id)
		if err := json.Unmarshal(snap.Payload, &state); err != nil {
			r.opts.logger.WarnContext(ctx, "ignoring undecodable snapshot",
				slog.String("stream", stream.String()),
				slog.Uint64("version", snap.Version),
				slog.Any("error", err))
		} else {
			agg.state = state
			agg.version = snap.Version
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if upTo > 0 && agg.version >= upTo {
		return agg, nil
	}

	iter, err := r.log.ReadFrom(ctx, tenantID, id, agg.version)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", stream, err)
	}
	for iter.Next(ctx) {
		rec := iter.Value()
		if rec.Sequence != agg.version+1 {
			return nil, fmt.Errorf("load %s: %w: expected sequence %d, got %d", stream, ErrCorruptStream, agg.version+1, rec.Sequence)
		}
		ev, err := r.registry.Decode(rec.EventType, rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("load %s at %d: %w", stream, rec.Sequence, err)
		}
		agg.state = r.def.Evolve(agg.state, ev)
		agg.version = rec.Sequence
		if upTo > 0 && agg.version >= upTo {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", stream, err)
	}
	return agg, nil
}

// loadSnapshot returns the snapshot to start from, or nil. Snapshot failures
// fall back to a full replay.
func (r *Repository[S]) loadSnapshot(ctx context.Context, stream StreamID, upTo uint64) *Snapshot {
	if r.snaps == nil {
		return nil
	}
	var (
		snap *Snapshot
		err  error
	)
	if upTo == 0 {
		snap, err = r.snaps.GetLatest(ctx, stream.TenantID, stream.AggregateID)
	} else {
		snap, err = r.snaps.GetAtOrBelow(ctx, stream.TenantID, stream.AggregateID, upTo)
	}
	if err != nil {
		r.opts.logger.WarnContext(ctx, "snapshot lookup failed, replaying from the start",
			slog.String("stream", stream.String()),
			slog.Any("error", err))
		return nil
	}
	return snap
}

// Save appends the aggregate's uncommitted events and returns the new version.
//
// An aggregate without uncommitted events is left untouched. When the save
// crosses a snapshot boundary a snapshot of the new state is written before
// Save returns; a failed snapshot write is logged and does not fail the save.
func (r *Repository[S]) Save(ctx context.Context, agg *Aggregate[S]) (uint64, error) {
	res, err := r.Commit(ctx, agg)
	return res.NextExpectedVersion, err
}

// Commit is Save returning the appended records.
func (r *Repository[S]) Commit(ctx context.Context, agg *Aggregate[S]) (AppendResult, error) {
	if agg.stream.AggregateType != r.def.Type {
		return AppendResult{}, fmt.Errorf("repository for %s cannot save %s", r.def.Type, agg.stream.AggregateType)
	}
	if len(agg.uncommitted) == 0 {
		return AppendResult{Successful: true, NextExpectedVersion: agg.version}, nil
	}

	records, err := r.toRecords(ctx, agg)
	if err != nil {
		return AppendResult{}, err
	}

	oldVersion := agg.version
	newVersion, err := r.log.Append(ctx, agg.stream, records, oldVersion)
	if err != nil {
		return AppendResult{NextExpectedVersion: oldVersion}, fmt.Errorf("save %s: %w", agg.stream, err)
	}
	agg.markCommitted(newVersion)

	if r.opts.policy.ShouldSnapshot(r.def.Type, oldVersion, newVersion) {
		r.snapshot(ctx, agg)
	}

	if r.opts.publisher != nil {
		if err := r.opts.publisher.Publish(ctx, records); err != nil {
			r.opts.logger.WarnContext(ctx, "publishing committed records failed",
				slog.String("stream", agg.stream.String()),
				slog.Any("error", err))
		}
	}

	return AppendResult{Successful: true, NextExpectedVersion: newVersion, Records: records}, nil
}

func (r *Repository[S]) toRecords(ctx context.Context, agg *Aggregate[S]) ([]EventRecord, error) {
	var metadata map[string]string
	if len(r.opts.metadataFuncs) > 0 {
		metadata = make(map[string]string)
		for _, fn := range r.opts.metadataFuncs {
			maps.Copy(metadata, fn(ctx))
		}
	}

	createdAt := now().UTC()
	records := make([]EventRecord, len(agg.uncommitted))
	for i, ev := range agg.uncommitted {
		eventType, payload, err := r.registry.Encode(ev)
		if err != nil {
			return nil, fmt.Errorf("save %s: %w", agg.stream, err)
		}
		seq := agg.version + uint64(i) + 1
		records[i] = EventRecord{
			EventID:       agg.eventIDs[i],
			TenantID:      agg.stream.TenantID,
			AggregateID:   agg.stream.AggregateID,
			AggregateType: agg.stream.AggregateType,
			Sequence:      seq,
			EventType:     eventType,
			Payload:       payload,
			Metadata:      metadata,
			CreatedAt:     createdAt,
		}
	}
	return records, nil
}

func (r *Repository[S]) snapshot(ctx context.Context, agg *Aggregate[S]) {
	if r.snaps == nil {
		return
	}
	payload, err := json.Marshal(agg.state)
	if err == nil {
		err = r.snaps.Save(ctx, Snapshot{
			TenantID:      agg.stream.TenantID,
			AggregateID:   agg.stream.AggregateID,
			AggregateType: agg.stream.AggregateType,
			Version:       agg.version,
			Payload:       payload,
			CreatedAt:     now().UTC(),
		})
	}
	if err != nil {
		r.opts.logger.WarnContext(ctx, "snapshot write failed",
			slog.String("stream", agg.stream.String()),
			slog.Uint64("version", agg.version),
			slog.Any("error", err))
	}
}

// Decode reconstructs the event stored in rec.
func (r *Repository[S]) Decode(rec *EventRecord) (Event, error) {
	return r.registry.Decode(rec.EventType, rec.Payload)
}

// RehydrateAt implements Rehydrator.
func (r *Repository[S]) RehydrateAt(ctx context.Context, tenantID, id string, sequence uint64) (any, error) {
	res, err := r.GetAt(ctx, tenantID, id, sequence)
	if err != nil {
		return nil, err
	}
	return res.Aggregate.State(), nil
}
