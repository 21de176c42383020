package replay

import (
	"context"

	es "github.com/policyhub/eventsourcing"
)

// ReplayAllEvents asks for every event of an aggregate to be re-dispatched.
type ReplayAllEvents struct {
	Tenant string
	ID     string
	Type   es.AggregateType
}

func (c ReplayAllEvents) TenantID() string    { return c.Tenant }
func (c ReplayAllEvents) AggregateID() string { return c.ID }

// ReplaySingleEvent asks for one event to be re-dispatched to a subset of
// observers with a subset of their effects.
type ReplaySingleEvent struct {
	Tenant     string
	ID         string
	Type       es.AggregateType
	Sequence   uint64
	Capability es.Capability

	PersistReadModel    bool
	DispatchIntegration bool
	DispatchSystem      bool
}

func (c ReplaySingleEvent) TenantID() string    { return c.Tenant }
func (c ReplaySingleEvent) AggregateID() string { return c.ID }

// ReplayEventRange asks for a bounded, filtered slice of an aggregate's events
// to be re-dispatched to a subset of observers.
type ReplayEventRange struct {
	Tenant     string
	ID         string
	Type       es.AggregateType
	After      uint64
	Until      uint64
	EventTypes []string
	Capability es.Capability

	PersistReadModel    bool
	DispatchIntegration bool
	DispatchSystem      bool
}

func (c ReplayEventRange) TenantID() string    { return c.Tenant }
func (c ReplayEventRange) AggregateID() string { return c.ID }

// RegisterCommands registers the replay command handlers on bus.
//
// Replays do not append, so the result only carries the last sequence read.
func RegisterCommands(bus *es.CommandBus, svc *Service) {
	es.Register[ReplayAllEvents](bus, svc.handleReplayAll)
	es.Register[ReplaySingleEvent](bus, svc.handleReplaySingle)
	es.Register[ReplayEventRange](bus, svc.handleReplayRange)
}

func (s *Service) handleReplayAll(ctx context.Context, cmd ReplayAllEvents) (es.AppendResult, error) {
	report, err := s.ReplayAll(ctx, cmd.Tenant, cmd.ID, cmd.Type)
	if err != nil {
		return es.AppendResult{Successful: false}, err
	}
	return es.AppendResult{Successful: true, NextExpectedVersion: report.LastSequence}, nil
}

func (s *Service) handleReplaySingle(ctx context.Context, cmd ReplaySingleEvent) (es.AppendResult, error) {
	report, err := s.ReplaySingleEvent(ctx, SingleEventRequest{
		TenantID:            cmd.Tenant,
		AggregateID:         cmd.ID,
		AggregateType:       cmd.Type,
		Sequence:            cmd.Sequence,
		Capability:          cmd.Capability,
		PersistReadModel:    cmd.PersistReadModel,
		DispatchIntegration: cmd.DispatchIntegration,
		DispatchSystem:      cmd.DispatchSystem,
	})
	if err != nil {
		return es.AppendResult{Successful: false}, err
	}
	return es.AppendResult{Successful: true, NextExpectedVersion: report.LastSequence}, nil
}

func (s *Service) handleReplayRange(ctx context.Context, cmd ReplayEventRange) (es.AppendResult, error) {
	report, err := s.ReplayRange(ctx, cmd.Tenant, cmd.ID, cmd.Type, RangeOptions{
		AfterSeq:   cmd.After,
		UntilSeq:   cmd.Until,
		EventTypes: cmd.EventTypes,
		Capability: cmd.Capability,
		Options: es.DispatchOptions{
			PersistReadModel:    cmd.PersistReadModel,
			DispatchIntegration: cmd.DispatchIntegration,
			DispatchSystem:      cmd.DispatchSystem,
		},
	})
	if err != nil {
		return es.AppendResult{Successful: false}, err
	}
	return es.AppendResult{Successful: true, NextExpectedVersion: report.LastSequence}, nil
}
