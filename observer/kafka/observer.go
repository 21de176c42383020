// Package kafka emits integration events to Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"

	es "github.com/policyhub/eventsourcing"
)

const schemaVersion = "1.0"

// DefaultName is the observer name used when none is configured.
const DefaultName = "kafka-integration-events"

// Header keys set on every message.
const (
	HeaderTenantID      = "tenant_id"
	HeaderAggregateType = "aggregate_type"
	HeaderSequence      = "sequence"
	HeaderEventID       = "event_id"
	HeaderReplay        = "replay"
	HeaderTraceID       = "trace_id"
)

var _ es.Observer = (*Observer)(nil)

// NewProducer creates a synchronous producer. Integration events must not be
// acknowledged before Kafka has them, so the observer cannot fire and forget.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	cfg.Metadata.Retry.Max = 3
	cfg.Metadata.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// Option configures an Observer.
type Option func(*Observer)

// WithTopicPrefix sets the prefix of every topic, e.g. "policyhub".
func WithTopicPrefix(prefix string) Option {
	return func(o *Observer) { o.prefix = prefix }
}

// WithName overrides DefaultName.
func WithName(name string) Option {
	return func(o *Observer) { o.name = name }
}

// Observer publishes every event it handles as an integration event.
type Observer struct {
	producer sarama.SyncProducer
	prefix   string
	name     string
}

// NewObserver creates an integration-event observer over producer.
func NewObserver(producer sarama.SyncProducer, opts ...Option) *Observer {
	o := &Observer{producer: producer, name: DefaultName}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Observer) Name() string { return o.name }

func (o *Observer) Capabilities() []es.Capability {
	return []es.Capability{es.CapabilityIntegrationEvents}
}

type envelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	TenantID      string            `json:"tenant_id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Sequence      uint64            `json:"sequence"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Handle implements es.Observer. Nothing is sent when integration dispatch is
// disabled for the delivery.
func (o *Observer) Handle(ctx context.Context, d es.Delivery) error {
	if !d.Options.DispatchIntegration {
		return nil
	}
	msg, err := o.message(ctx, d)
	if err != nil {
		return err
	}
	if _, _, err := o.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", d.Record.EventType, msg.Topic, err)
	}
	return nil
}

func (o *Observer) message(ctx context.Context, d es.Delivery) (*sarama.ProducerMessage, error) {
	rec := d.Record
	payload := json.RawMessage(rec.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(envelope{
		EventID:       rec.EventID.String(),
		EventType:     rec.EventType,
		TenantID:      rec.TenantID,
		AggregateID:   rec.AggregateID,
		AggregateType: string(rec.AggregateType),
		Sequence:      rec.Sequence,
		Timestamp:     rec.CreatedAt.UTC(),
		Version:       schemaVersion,
		Payload:       payload,
		Metadata:      rec.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event envelope: %w", err)
	}

	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderTenantID), Value: []byte(rec.TenantID)},
		{Key: []byte(HeaderAggregateType), Value: []byte(rec.AggregateType)},
		{Key: []byte(HeaderSequence), Value: []byte(strconv.FormatUint(rec.Sequence, 10))},
		{Key: []byte(HeaderEventID), Value: []byte(rec.EventID.String())},
	}
	if d.Replay {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderReplay), Value: []byte("true")})
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderTraceID), Value: []byte(sc.TraceID().String())})
	}

	return &sarama.ProducerMessage{
		Topic:   o.TopicName(rec.EventType),
		Key:     sarama.StringEncoder(rec.TenantID + ":" + rec.AggregateID),
		Value:   sarama.ByteEncoder(body),
		Headers: headers,
	}, nil
}

// TopicName returns the full topic name with prefix.
func (o *Observer) TopicName(eventType string) string {
	if o.prefix == "" {
		return eventType
	}

	prefix := o.prefix + "."
	if strings.HasPrefix(eventType, prefix) {
		return eventType
	}
	return prefix + eventType
}

// Close closes the producer.
func (o *Observer) Close() error {
	if err := o.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
