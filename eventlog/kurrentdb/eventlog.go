package kurrentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	es "github.com/policyhub/eventsourcing"
)

var _ es.EventLog = (*EventLog)(nil)

// Client is the part of *kurrentdb.Client the event log needs. Wrap a
// *kurrentdb.Client with FromClient.
type Client interface {
	AppendToStream(ctx context.Context, streamID string, opts kurrentdb.AppendToStreamOptions, events ...kurrentdb.EventData) (*kurrentdb.WriteResult, error)
	ReadStream(ctx context.Context, streamID string, opts kurrentdb.ReadStreamOptions, count uint64) (Events, error)
	Close() error
}

// Events is an open read of one stream.
type Events interface {
	Recv() (*kurrentdb.ResolvedEvent, error)
	Close()
}

// FromClient adapts c to Client.
func FromClient(c *kurrentdb.Client) Client {
	return clientAdapter{c}
}

type clientAdapter struct {
	*kurrentdb.Client
}

func (c clientAdapter) ReadStream(ctx context.Context, streamID string, opts kurrentdb.ReadStreamOptions, count uint64) (Events, error) {
	stream, err := c.Client.ReadStream(ctx, streamID, opts, count)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Option configures an EventLog.
type Option func(*EventLog)

// WithStreamPrefix prepends prefix to every stream name, e.g. "policyhub-".
func WithStreamPrefix(prefix string) Option {
	return func(l *EventLog) { l.prefix = prefix }
}

// EventLog stores every aggregate in its own KurrentDB stream.
//
// KurrentDB revisions start at 0, sequences start at 1: sequence = revision+1.
type EventLog struct {
	client Client
	prefix string
}

// NewEventLog creates a KurrentDB-backed event log.
func NewEventLog(client Client, opts ...Option) *EventLog {
	l := &EventLog{client: client}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StreamName returns the KurrentDB stream holding the aggregate's events.
func (l *EventLog) StreamName(tenantID, aggregateID string) string {
	return l.prefix + tenantID + "-" + aggregateID
}

// recordMetadata is the user metadata stored alongside each event.
type recordMetadata struct {
	TenantID      string            `json:"tenantId"`
	AggregateID   string            `json:"aggregateId"`
	AggregateType string            `json:"aggregateType"`
	Sequence      uint64            `json:"sequence"`
	CreatedAt     int64             `json:"createdAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Append implements es.EventLog.
func (l *EventLog) Append(ctx context.Context, stream es.StreamID, records []es.EventRecord, expectedVersion uint64) (uint64, error) {
	if err := es.ValidateBatch(stream, records, expectedVersion); err != nil {
		return 0, fmt.Errorf("append to stream %q: %w", stream, err)
	}

	events := make([]kurrentdb.EventData, len(records))
	for i := range records {
		data, err := EncodeRecord(&records[i])
		if err != nil {
			return 0, fmt.Errorf("append to stream %q: %w", stream, err)
		}
		events[i] = data
	}

	name := l.StreamName(stream.TenantID, stream.AggregateID)
	_, err := l.client.AppendToStream(ctx, name, kurrentdb.AppendToStreamOptions{
		StreamState: expectedState(expectedVersion),
	}, events...)
	if err == nil {
		return expectedVersion + uint64(len(records)), nil
	}
	if !hasCode(err, kurrentdb.ErrorCodeWrongExpectedVersion) {
		return 0, es.WrapStorageError("append", fmt.Errorf("append to %s: %w", name, err))
	}

	// a retried batch that already landed is not a conflict
	stored, actual, rerr := l.readBack(ctx, stream, expectedVersion, len(records))
	if rerr != nil {
		return 0, es.WrapStorageError("append", rerr)
	}
	if es.MatchesStored(records, stored) {
		return expectedVersion + uint64(len(records)), nil
	}
	return 0, &es.ConcurrencyConflictError{Stream: stream, ExpectedVersion: expectedVersion, ActualVersion: actual}
}

func expectedState(expectedVersion uint64) kurrentdb.StreamState {
	if expectedVersion == 0 {
		return kurrentdb.NoStream{}
	}
	return kurrentdb.StreamRevision{Value: expectedVersion - 1}
}

// readBack returns the n records stored after expectedVersion and the current
// version of the stream. Only the tail of the stream is read.
func (l *EventLog) readBack(ctx context.Context, stream es.StreamID, expectedVersion uint64, n int) ([]*es.EventRecord, uint64, error) {
	name := l.StreamName(stream.TenantID, stream.AggregateID)

	last, err := l.readEvents(ctx, name, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Backwards,
		From:      kurrentdb.End{},
	}, 1)
	if err != nil || len(last) == 0 {
		return nil, 0, err
	}
	actual := last[0].Sequence
	if actual < expectedVersion+uint64(n) {
		return nil, actual, nil
	}

	var from kurrentdb.StreamPosition = kurrentdb.Start{}
	if expectedVersion > 0 {
		from = kurrentdb.StreamRevision{Value: expectedVersion}
	}
	stored, err := l.readEvents(ctx, name, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From:      from,
	}, uint64(n))
	if err != nil {
		return nil, 0, err
	}
	return stored, actual, nil
}

// readEvents reads at most count events of a stream. A missing stream has no events.
func (l *EventLog) readEvents(ctx context.Context, name string, opts kurrentdb.ReadStreamOptions, count uint64) ([]*es.EventRecord, error) {
	streamer, err := l.client.ReadStream(ctx, name, opts, count)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	defer streamer.Close()

	var records []*es.EventRecord
	for {
		resolved, err := streamer.Recv()
		if errors.Is(err, io.EOF) || hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		rec, err := DecodeRecorded(resolved.OriginalEvent())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// ReadFrom implements es.EventReader.
func (l *EventLog) ReadFrom(ctx context.Context, tenantID, aggregateID string, fromExclusive uint64) (*es.Iterator[*es.EventRecord], error) {
	name := l.StreamName(tenantID, aggregateID)

	var from kurrentdb.StreamPosition = kurrentdb.Start{}
	if fromExclusive > 0 {
		// revision of sequence fromExclusive+1
		from = kurrentdb.StreamRevision{Value: fromExclusive}
	}

	streamer, err := l.client.ReadStream(ctx, name, kurrentdb.ReadStreamOptions{
		Direction:      kurrentdb.Forwards,
		From:           from,
		ResolveLinkTos: true,
	}, math.MaxInt64)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return es.NewSliceIterator[*es.EventRecord](nil), nil
		}
		return nil, es.WrapStorageError("read", fmt.Errorf("read %s: %w", name, err))
	}

	done := false
	return es.NewIteratorFunc(func(ctx context.Context) (*es.EventRecord, error) {
		if done {
			return nil, io.EOF
		}
		resolved, err := streamer.Recv()
		if err != nil {
			done = true
			streamer.Close()
			if errors.Is(err, io.EOF) || hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
				return nil, io.EOF
			}
			return nil, es.WrapStorageError("read", fmt.Errorf("read %s: %w", name, err))
		}
		rec, err := DecodeRecorded(resolved.OriginalEvent())
		if err != nil {
			done = true
			streamer.Close()
			return nil, err
		}
		return rec, nil
	}), nil
}

// Exists implements es.EventReader.
func (l *EventLog) Exists(ctx context.Context, tenantID, aggregateID string) (bool, error) {
	name := l.StreamName(tenantID, aggregateID)
	streamer, err := l.client.ReadStream(ctx, name, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From:      kurrentdb.Start{},
	}, 1)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return false, nil
		}
		return false, es.WrapStorageError("exists", fmt.Errorf("read %s: %w", name, err))
	}
	defer streamer.Close()

	if _, err := streamer.Recv(); err != nil {
		if errors.Is(err, io.EOF) || hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return false, nil
		}
		return false, es.WrapStorageError("exists", fmt.Errorf("read %s: %w", name, err))
	}
	return true, nil
}

// Close closes the underlying client.
func (l *EventLog) Close() error {
	return l.client.Close()
}

// EncodeRecord maps a record onto the KurrentDB event that stores it.
func EncodeRecord(r *es.EventRecord) (kurrentdb.EventData, error) {
	md, err := json.Marshal(recordMetadata{
		TenantID:      r.TenantID,
		AggregateID:   r.AggregateID,
		AggregateType: string(r.AggregateType),
		Sequence:      r.Sequence,
		CreatedAt:     r.CreatedAt.UnixNano(),
		Metadata:      r.Metadata,
	})
	if err != nil {
		return kurrentdb.EventData{}, fmt.Errorf("encode metadata of event %d: %w", r.Sequence, err)
	}
	return kurrentdb.EventData{
		EventID:     r.EventID,
		EventType:   r.EventType,
		ContentType: kurrentdb.ContentTypeJson,
		Data:        r.Payload,
		Metadata:    md,
	}, nil
}

// DecodeRecorded reverses EncodeRecord. Subscriptions use it for events
// read from $all.
func DecodeRecorded(ev *kurrentdb.RecordedEvent) (*es.EventRecord, error) {
	var md recordMetadata
	if err := json.Unmarshal(ev.UserMetadata, &md); err != nil {
		return nil, fmt.Errorf("%w: decode metadata of %s@%d: %v", es.ErrCorruptStream, ev.StreamID, ev.EventNumber, err)
	}
	if md.Sequence != ev.EventNumber+1 {
		return nil, fmt.Errorf("%w: %s@%d carries sequence %d", es.ErrCorruptStream, ev.StreamID, ev.EventNumber, md.Sequence)
	}
	rec := &es.EventRecord{
		EventID:       ev.EventID,
		TenantID:      md.TenantID,
		AggregateID:   md.AggregateID,
		AggregateType: es.AggregateType(md.AggregateType),
		Sequence:      ev.EventNumber + 1,
		EventType:     ev.EventType,
		Payload:       ev.Data,
		Metadata:      md.Metadata,
		CreatedAt:     ev.CreatedDate.UTC(),
	}
	if md.CreatedAt != 0 {
		rec.CreatedAt = time.Unix(0, md.CreatedAt).UTC()
	}
	return rec, nil
}

func hasCode(err error, code kurrentdb.ErrorCode) bool {
	var kErr *kurrentdb.Error
	return errors.As(err, &kErr) && kErr.Code() == code
}
