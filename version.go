package eventsourcing

// InstrumentationVersion is reported as the version of the telemetry scope.
const InstrumentationVersion = "0.3.0"
