// Package replay re-dispatches stored events to observers without writing to
// the event log.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	es "github.com/policyhub/eventsourcing"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for state transitions. Defaults to discarding.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service replays events of one aggregate at a time.
//
// It only holds an es.EventReader, so a replay cannot append to the log.
type Service struct {
	reader     es.EventReader
	repos      *es.RepositoryRegistry
	dispatcher *es.Dispatcher
	logger     *slog.Logger
}

// NewService creates a replay service over the standard observer set.
func NewService(reader es.EventReader, repos *es.RepositoryRegistry, dispatcher *es.Dispatcher, opts ...Option) *Service {
	s := &Service{
		reader:     reader,
		repos:      repos,
		dispatcher: dispatcher,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RangeOptions bounds and filters a ReplayRange call.
type RangeOptions struct {
	// AfterSeq skips records up to and including this sequence.
	AfterSeq uint64
	// UntilSeq stops after this sequence. 0 means the end of the stream.
	UntilSeq uint64
	// EventTypes limits the replay to these event types. Empty means all.
	EventTypes []string
	// Capability limits the observers to those advertising it. Empty means all.
	Capability es.Capability
	// Options selects which observer effects are enabled.
	Options es.DispatchOptions
}

// ReplayAll re-dispatches every event of the aggregate, in sequence order, to
// the full observer set with every effect enabled.
func (s *Service) ReplayAll(ctx context.Context, tenantID, aggregateID string, t es.AggregateType) (Report, error) {
	report := newReport(tenantID, aggregateID, t)
	err := s.replay(ctx, report, s.dispatcher.Observers(), RangeOptions{Options: es.AllEffects()})
	return *report, err
}

// ReplayRange re-dispatches the events selected by opts to the observers
// selected by opts.Capability and opts.Options.
func (s *Service) ReplayRange(ctx context.Context, tenantID, aggregateID string, t es.AggregateType, opts RangeOptions) (Report, error) {
	report := newReport(tenantID, aggregateID, t)
	observers := s.dispatcher.Select(opts.Capability, opts.Options)
	err := s.replay(ctx, report, observers, opts)
	return *report, err
}

func (s *Service) replay(ctx context.Context, report *Report, observers []es.Observer, opts RangeOptions) error {
	log := s.logger.With(
		slog.String("tenant_id", report.TenantID),
		slog.String("aggregate_id", report.AggregateID),
		slog.String("aggregate_type", string(report.AggregateType)),
	)
	err := s.run(ctx, report, observers, opts, log)
	s.finish(ctx, log, report, err)
	return err
}

func (s *Service) run(ctx context.Context, report *Report, observers []es.Observer, opts RangeOptions, log *slog.Logger) error {
	repo, err := s.repos.Lookup(report.AggregateType)
	if err != nil {
		return err
	}

	s.enter(ctx, log, report, StateLoading)
	iter, err := s.reader.ReadFrom(ctx, report.TenantID, report.AggregateID, opts.AfterSeq)
	if err != nil {
		return fmt.Errorf("replay %s: %w", report.AggregateID, err)
	}

	read := 0
	for iter.Next(ctx) {
		rec := iter.Value()
		if opts.UntilSeq > 0 && rec.Sequence > opts.UntilSeq {
			break
		}
		if rec.AggregateType != report.AggregateType {
			return &es.NotFoundError{TenantID: report.TenantID, AggregateID: report.AggregateID}
		}
		read++
		report.LastSequence = rec.Sequence
		if len(opts.EventTypes) > 0 && !slices.Contains(opts.EventTypes, rec.EventType) {
			continue
		}

		ev, err := repo.Decode(rec)
		if err != nil {
			return fmt.Errorf("replay %s at %d: %w", report.AggregateID, rec.Sequence, err)
		}

		s.enter(ctx, log, report, StateDispatching)
		n, err := es.Deliver(ctx, observers, es.Delivery{
			Record:  rec,
			Event:   ev,
			Options: opts.Options,
			Replay:  true,
		})
		report.Deliveries += n
		if err != nil {
			return err
		}
		report.Events++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("replay %s: %w", report.AggregateID, err)
	}

	if read == 0 && opts.AfterSeq == 0 {
		return &es.NotFoundError{TenantID: report.TenantID, AggregateID: report.AggregateID}
	}
	return nil
}

// SingleEventRequest selects one stored event and the effects to re-run for it.
type SingleEventRequest struct {
	TenantID      string
	AggregateID   string
	AggregateType es.AggregateType
	Sequence      uint64

	// Capability limits the observers to those advertising it. Empty means all.
	Capability es.Capability

	PersistReadModel    bool
	DispatchIntegration bool
	DispatchSystem      bool
}

// Options returns the dispatch options requested by r.
func (r SingleEventRequest) Options() es.DispatchOptions {
	return es.DispatchOptions{
		PersistReadModel:    r.PersistReadModel,
		DispatchIntegration: r.DispatchIntegration,
		DispatchSystem:      r.DispatchSystem,
	}
}

// ReplaySingleEvent re-dispatches the event at req.Sequence, together with the
// aggregate state as of that sequence, to the observers selected by the request.
//
// Observers run in registration order. A failing observer stops the replay;
// observers that already ran are not compensated.
func (s *Service) ReplaySingleEvent(ctx context.Context, req SingleEventRequest) (Report, error) {
	report := newReport(req.TenantID, req.AggregateID, req.AggregateType)
	log := s.logger.With(
		slog.String("tenant_id", req.TenantID),
		slog.String("aggregate_id", req.AggregateID),
		slog.String("aggregate_type", string(req.AggregateType)),
		slog.Uint64("sequence", req.Sequence),
	)
	err := s.runSingle(ctx, report, req, log)
	s.finish(ctx, log, report, err)
	return *report, err
}

func (s *Service) runSingle(ctx context.Context, report *Report, req SingleEventRequest, log *slog.Logger) error {
	notFound := &es.NotFoundError{TenantID: req.TenantID, AggregateID: req.AggregateID, Sequence: req.Sequence}
	if req.Sequence == 0 {
		return notFound
	}
	repo, err := s.repos.Lookup(req.AggregateType)
	if err != nil {
		return err
	}

	s.enter(ctx, log, report, StateLoading)
	rec, err := s.readOne(ctx, req.TenantID, req.AggregateID, req.Sequence)
	if err != nil {
		return err
	}
	if rec == nil || rec.AggregateType != req.AggregateType {
		return notFound
	}
	report.LastSequence = rec.Sequence

	ev, err := repo.Decode(rec)
	if err != nil {
		return fmt.Errorf("replay %s at %d: %w", req.AggregateID, rec.Sequence, err)
	}
	state, err := repo.RehydrateAt(ctx, req.TenantID, req.AggregateID, req.Sequence)
	if err != nil {
		return fmt.Errorf("replay %s at %d: %w", req.AggregateID, rec.Sequence, err)
	}

	opts := req.Options()
	observers := s.dispatcher.Select(req.Capability, opts)

	s.enter(ctx, log, report, StateDispatching)
	n, err := es.Deliver(ctx, observers, es.Delivery{
		Record:  rec,
		Event:   ev,
		State:   state,
		Options: opts,
		Replay:  true,
	})
	report.Deliveries += n
	if err != nil {
		return err
	}
	report.Events++
	return nil
}

// readOne returns the record at sequence, or nil when the stream is shorter.
func (s *Service) readOne(ctx context.Context, tenantID, aggregateID string, sequence uint64) (*es.EventRecord, error) {
	iter, err := s.reader.ReadFrom(ctx, tenantID, aggregateID, sequence-1)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", aggregateID, err)
	}
	if !iter.Next(ctx) {
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("replay %s: %w", aggregateID, err)
		}
		return nil, nil
	}
	rec := iter.Value()
	if rec.Sequence != sequence {
		return nil, nil
	}
	return rec, nil
}

func (s *Service) enter(ctx context.Context, log *slog.Logger, report *Report, next State) {
	if report.transition(next) {
		log.DebugContext(ctx, "replay state changed", slog.String("state", string(next)))
	}
}

func (s *Service) finish(ctx context.Context, log *slog.Logger, report *Report, err error) {
	if err != nil {
		report.fail(err)
		log.ErrorContext(ctx, "replay failed",
			slog.Int("events", report.Events),
			slog.Int("deliveries", report.Deliveries),
			slog.Any("error", err))
		return
	}
	report.transition(StateCompleted)
	log.InfoContext(ctx, "replay completed",
		slog.Int("events", report.Events),
		slog.Int("deliveries", report.Deliveries),
		slog.Uint64("last_sequence", report.LastSequence))
}
