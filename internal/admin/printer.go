package admin

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	es "github.com/policyhub/eventsourcing"
)

// PrinterName is the name of the observer added by -print.
const PrinterName = "stdout-printer"

// Printer is a read-model observer that writes every delivery as one JSON
// line. It lets an operator see what a replay would hand to the projections.
type Printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{enc: json.NewEncoder(w)}
}

func (p *Printer) Name() string { return PrinterName }

func (p *Printer) Capabilities() []es.Capability {
	return []es.Capability{es.CapabilityReadModel}
}

type printedDelivery struct {
	EventID       string          `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Sequence      uint64          `json:"sequence"`
	EventType     string          `json:"event_type"`
	CreatedAt     time.Time       `json:"created_at"`
	Replay        bool            `json:"replay"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	State         any             `json:"state,omitempty"`
}

func (p *Printer) Handle(_ context.Context, d es.Delivery) error {
	if !d.Options.PersistReadModel {
		return nil
	}
	rec := d.Record
	out := printedDelivery{
		EventID:       rec.EventID.String(),
		TenantID:      rec.TenantID,
		AggregateType: string(rec.AggregateType),
		AggregateID:   rec.AggregateID,
		Sequence:      rec.Sequence,
		EventType:     rec.EventType,
		CreatedAt:     rec.CreatedAt,
		Replay:        d.Replay,
		State:         d.State,
	}
	if json.Valid(rec.Payload) {
		out.Payload = rec.Payload
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(out)
}
