package fixtures

import (
	"errors"

	es "github.com/policyhub/eventsourcing"
)

// Quote statuses.
const (
	QuoteDraft    = "draft"
	QuoteAccepted = "accepted"
)

// QuoteState is the state of the sample Quote aggregate used across tests.
type QuoteState struct {
	TenantID    string `json:"tenant_id"`
	ID          string `json:"id"`
	Holder      string `json:"holder"`
	Premium     int64  `json:"premium"`
	Status      string `json:"status"`
	Adjustments int    `json:"adjustments"`
}

type QuoteCreated struct {
	Holder  string `json:"holder"`
	Premium int64  `json:"premium"`
}

func (*QuoteCreated) EventType() string { return "QuoteCreated" }

type QuotePremiumAdjusted struct {
	Delta int64 `json:"delta"`
}

func (*QuotePremiumAdjusted) EventType() string { return "QuotePremiumAdjusted" }

type QuoteWasAccepted struct {
	AcceptedBy string `json:"accepted_by"`
}

func (*QuoteWasAccepted) EventType() string { return "QuoteAccepted" }

// EvolveQuote folds one Quote event into the state.
func EvolveQuote(s QuoteState, ev es.Event) QuoteState {
	switch e := ev.(type) {
	case *QuoteCreated:
		s.Holder = e.Holder
		s.Premium = e.Premium
		s.Status = QuoteDraft
	case *QuotePremiumAdjusted:
		s.Premium += e.Delta
		s.Adjustments++
	case *QuoteWasAccepted:
		s.Status = QuoteAccepted
	}
	return s
}

// QuoteDefinition describes the sample Quote aggregate.
func QuoteDefinition() es.Definition[QuoteState] {
	return es.Definition[QuoteState]{
		Type: es.Quote,
		Initial: func(tenantID, id string) QuoteState {
			return QuoteState{TenantID: tenantID, ID: id}
		},
		Evolve: EvolveQuote,
	}
}

// RegisterQuoteEvents registers the Quote events on r.
func RegisterQuoteEvents(r *es.EventRegistry) {
	r.Register(func() es.Event { return &QuoteCreated{} })
	r.Register(func() es.Event { return &QuotePremiumAdjusted{} })
	r.Register(func() es.Event { return &QuoteWasAccepted{} })
}

// NewQuoteRegistry returns an EventRegistry with the Quote events registered.
func NewQuoteRegistry() *es.EventRegistry {
	r := es.NewEventRegistry()
	RegisterQuoteEvents(r)
	return r
}

var (
	ErrQuoteExists     = errors.New("quote already exists")
	ErrQuoteMissing    = errors.New("quote does not exist")
	ErrQuoteAccepted   = errors.New("quote already accepted")
	ErrNegativePremium = errors.New("premium cannot be negative")
)

// CreateQuote opens a quote.
type CreateQuote struct {
	Tenant  string
	ID      string
	Holder  string
	Premium int64
}

func (c CreateQuote) TenantID() string    { return c.Tenant }
func (c CreateQuote) AggregateID() string { return c.ID }

// AdjustPremium changes the premium of a draft quote.
type AdjustPremium struct {
	Tenant string
	ID     string
	Delta  int64
}

func (c AdjustPremium) TenantID() string    { return c.Tenant }
func (c AdjustPremium) AggregateID() string { return c.ID }

// AcceptQuote accepts a draft quote.
type AcceptQuote struct {
	Tenant string
	ID     string
	By     string
}

func (c AcceptQuote) TenantID() string    { return c.Tenant }
func (c AcceptQuote) AggregateID() string { return c.ID }

func DecideCreateQuote(s QuoteState, c CreateQuote) ([]es.Event, error) {
	if s.Status != "" {
		return nil, ErrQuoteExists
	}
	if c.Premium < 0 {
		return nil, ErrNegativePremium
	}
	return []es.Event{&QuoteCreated{Holder: c.Holder, Premium: c.Premium}}, nil
}

func DecideAdjustPremium(s QuoteState, c AdjustPremium) ([]es.Event, error) {
	switch s.Status {
	case "":
		return nil, ErrQuoteMissing
	case QuoteAccepted:
		return nil, ErrQuoteAccepted
	}
	if c.Delta == 0 {
		return nil, nil
	}
	if s.Premium+c.Delta < 0 {
		return nil, ErrNegativePremium
	}
	return []es.Event{&QuotePremiumAdjusted{Delta: c.Delta}}, nil
}

func DecideAcceptQuote(s QuoteState, c AcceptQuote) ([]es.Event, error) {
	switch s.Status {
	case "":
		return nil, ErrQuoteMissing
	case QuoteAccepted:
		return nil, nil
	}
	return []es.Event{&QuoteWasAccepted{AcceptedBy: c.By}}, nil
}
