package fixtures

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	es "github.com/policyhub/eventsourcing"
)

// recordNamespace seeds the ids of built records, so building the same
// record twice yields the same id.
var recordNamespace = uuid.MustParse("8f0c3c1e-6d0b-4f55-9a53-3f4f1d8f2b61")

// EventID returns the id Build gives the event of type eventType at sequence.
func EventID(stream es.StreamID, sequence uint64, eventType string) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, []byte(stream.String()+"#"+strconv.FormatUint(sequence, 10)+"#"+eventType))
}

// RecordBuilder provides a fluent API for constructing event records.
type RecordBuilder struct {
	tenantID      string
	aggregateID   string
	aggregateType es.AggregateType
	createdAt     time.Time
	metadata      map[string]string
}

// NewRecord creates a RecordBuilder with sensible defaults.
func NewRecord() *RecordBuilder {
	return &RecordBuilder{
		tenantID:      "tenant-1",
		aggregateID:   "quote-1",
		aggregateType: es.Quote,
		createdAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// WithTenant sets the tenant id.
func (b *RecordBuilder) WithTenant(id string) *RecordBuilder {
	b.tenantID = id
	return b
}

// WithAggregate sets the aggregate id and type.
func (b *RecordBuilder) WithAggregate(t es.AggregateType, id string) *RecordBuilder {
	b.aggregateType = t
	b.aggregateID = id
	return b
}

// WithMetadata sets the metadata carried by built records.
func (b *RecordBuilder) WithMetadata(md map[string]string) *RecordBuilder {
	b.metadata = md
	return b
}

// Stream returns the stream built records belong to.
func (b *RecordBuilder) Stream() es.StreamID {
	return es.StreamID{TenantID: b.tenantID, AggregateType: b.aggregateType, AggregateID: b.aggregateID}
}

// Build encodes ev as the record at sequence.
func (b *RecordBuilder) Build(sequence uint64, ev es.Event) es.EventRecord {
	payload, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	stream := b.Stream()
	return es.EventRecord{
		EventID:       EventID(stream, sequence, ev.EventType()),
		TenantID:      b.tenantID,
		AggregateID:   b.aggregateID,
		AggregateType: b.aggregateType,
		Sequence:      sequence,
		EventType:     ev.EventType(),
		Payload:       payload,
		Metadata:      b.metadata,
		CreatedAt:     b.createdAt.Add(time.Duration(sequence) * time.Second),
	}
}

// BuildFrom encodes events as consecutive records following afterVersion.
func (b *RecordBuilder) BuildFrom(afterVersion uint64, events ...es.Event) []es.EventRecord {
	records := make([]es.EventRecord, len(events))
	for i, ev := range events {
		records[i] = b.Build(afterVersion+uint64(i)+1, ev)
	}
	return records
}

// QuoteHistory returns a created quote followed by n premium adjustments of +1.
func QuoteHistory(n int) []es.Event {
	events := []es.Event{&QuoteCreated{Holder: "Ada", Premium: 100}}
	for i := 0; i < n; i++ {
		events = append(events, &QuotePremiumAdjusted{Delta: 1})
	}
	return events
}

// Pointers returns pointers to the records, as iterators yield them.
func Pointers(records []es.EventRecord) []*es.EventRecord {
	out := make([]*es.EventRecord, len(records))
	for i := range records {
		out[i] = &records[i]
	}
	return out
}
