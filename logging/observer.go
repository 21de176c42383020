package logging

import (
	"context"
	"log/slog"

	"github.com/policyhub/eventsourcing"
)

type observerLogger struct {
	logger *slog.Logger
	next   eventsourcing.Observer
}

// WithObserverLogging wraps an Observer so every delivery is logged with the
// record it carries.
func WithObserverLogging(logger *slog.Logger, next eventsourcing.Observer) eventsourcing.Observer {
	return &observerLogger{logger: logger, next: next}
}

func (o *observerLogger) Name() string { return o.next.Name() }

func (o *observerLogger) Capabilities() []eventsourcing.Capability { return o.next.Capabilities() }

func (o *observerLogger) Handle(ctx context.Context, d eventsourcing.Delivery) error {
	l := o.logger.With(
		"observer", o.next.Name(),
		"tenant-id", d.Record.TenantID,
		"aggregate-type", d.Record.AggregateType,
		"aggregate-id", d.Record.AggregateID,
		"sequence", d.Record.Sequence,
		"event-type", d.Record.EventType,
		"replay", d.Replay,
	)

	l.DebugContext(ctx, "event processing started")

	err := o.next.Handle(ctx, d)

	if err != nil {
		l.ErrorContext(ctx, "error processing event", "error", err)
	} else {
		l.DebugContext(ctx, "event processed successfully")
	}

	return err
}
