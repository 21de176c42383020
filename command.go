package eventsourcing

// Command is an intent to change one aggregate.
type Command interface {
	TenantID() string
	AggregateID() string
}
