package replay

import (
	"slices"

	es "github.com/policyhub/eventsourcing"
)

// State is a step of a single replay invocation.
//
//	Requested -> Loading -> Dispatching -> Completed
//	                   \            \
//	                    `-> Failed   `-> Failed
type State string

const (
	StateRequested   State = "requested"
	StateLoading     State = "loading"
	StateDispatching State = "dispatching"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[State][]State{
	StateRequested:   {StateLoading, StateFailed},
	StateLoading:     {StateDispatching, StateCompleted, StateFailed},
	StateDispatching: {StateCompleted, StateFailed},
}

// Report describes what one replay invocation did.
type Report struct {
	TenantID      string
	AggregateID   string
	AggregateType es.AggregateType

	// States lists every state visited, in order.
	States []State

	// Events is the number of records handed to the observers.
	Events int
	// Deliveries counts successful observer invocations.
	Deliveries int
	// LastSequence is the sequence of the last record read.
	LastSequence uint64

	Err error
}

func newReport(tenantID, aggregateID string, t es.AggregateType) *Report {
	return &Report{
		TenantID:      tenantID,
		AggregateID:   aggregateID,
		AggregateType: t,
		States:        []State{StateRequested},
	}
}

// State returns the current state.
func (r *Report) State() State {
	return r.States[len(r.States)-1]
}

// transition moves to next. Illegal or repeated transitions are ignored.
func (r *Report) transition(next State) bool {
	cur := r.State()
	if cur == next || !slices.Contains(transitions[cur], next) {
		return false
	}
	r.States = append(r.States, next)
	return true
}

func (r *Report) fail(err error) {
	r.Err = err
	r.transition(StateFailed)
}
