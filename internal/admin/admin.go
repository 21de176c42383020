// Package admin implements the esadmin subcommands: schema migration,
// stream inspection, observer replays and live tailing.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	es "github.com/policyhub/eventsourcing"
	"github.com/policyhub/eventsourcing/logging"
	"github.com/policyhub/eventsourcing/otel"
	"github.com/policyhub/eventsourcing/replay"
)

const (
	CommandMigrate     = "migrate"
	CommandInspect     = "inspect"
	CommandReplayAll   = "replay-all"
	CommandReplayEvent = "replay-event"
	CommandReplayRange = "replay-range"
	CommandTail        = "tail"
)

var ErrUsage = errors.New("usage: esadmin <migrate|inspect|replay-all|replay-event|replay-range|tail> [flags]")

// Config holds the parsed command line of one invocation.
type Config struct {
	Command string

	TenantID      string
	AggregateType es.AggregateType
	AggregateID   string
	Sequence      uint64

	// After and Until bound a range replay; Until 0 means the end of the stream.
	After      uint64
	Until      uint64
	EventTypes []string

	Capability          es.Capability
	PersistReadModel    bool
	DispatchIntegration bool
	DispatchSystem      bool

	// Lock holds the aggregate lock for the duration of a replay.
	Lock bool
	// Print adds an observer that writes every delivery to the output.
	Print bool

	Timeout time.Duration
}

// ParseConfig parses the subcommand in args[0] and its flags.
func ParseConfig(args []string, errOut io.Writer) (Config, error) {
	if len(args) == 0 {
		return Config{}, ErrUsage
	}
	cfg := Config{Command: args[0], Timeout: 10 * time.Minute}

	fs := flag.NewFlagSet("esadmin "+cfg.Command, flag.ContinueOnError)
	if errOut != nil {
		fs.SetOutput(errOut)
	}
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")

	var aggregateType, capability, eventTypes string
	switch cfg.Command {
	case CommandMigrate:
	case CommandTail:
		fs.BoolVar(&cfg.Print, "print", true, "print every delivery as JSON")
	case CommandInspect, CommandReplayAll, CommandReplayEvent, CommandReplayRange:
		fs.StringVar(&cfg.TenantID, "tenant", "", "tenant ID (required)")
		fs.StringVar(&aggregateType, "type", "", "aggregate type (required)")
		fs.StringVar(&cfg.AggregateID, "id", "", "aggregate ID (required)")
	default:
		return Config{}, fmt.Errorf("%w: unknown command %q", ErrUsage, cfg.Command)
	}

	switch cfg.Command {
	case CommandInspect:
		fs.Uint64Var(&cfg.Sequence, "seq", 0, "inspect the state as of this sequence (0 = latest)")
	case CommandReplayAll:
		fs.BoolVar(&cfg.Lock, "lock", false, "hold the aggregate lock while replaying")
		fs.BoolVar(&cfg.Print, "print", false, "print every delivery as JSON")
	case CommandReplayEvent:
		fs.Uint64Var(&cfg.Sequence, "seq", 0, "sequence of the event to replay (required)")
		fs.StringVar(&capability, "capability", "", "only observers with this capability (read-model|integration-event-emitting|system-event-emitting)")
		fs.BoolVar(&cfg.PersistReadModel, "persist", false, "let read model observers persist")
		fs.BoolVar(&cfg.DispatchIntegration, "integration", false, "let observers emit integration events")
		fs.BoolVar(&cfg.DispatchSystem, "system", false, "let observers emit system events")
		fs.BoolVar(&cfg.Lock, "lock", false, "hold the aggregate lock while replaying")
		fs.BoolVar(&cfg.Print, "print", false, "print every delivery as JSON")
	case CommandReplayRange:
		fs.Uint64Var(&cfg.After, "after", 0, "skip events up to and including this sequence")
		fs.Uint64Var(&cfg.Until, "until", 0, "stop after this sequence (0 = end of stream)")
		fs.StringVar(&eventTypes, "event-types", "", "comma separated event types to replay (empty = all)")
		fs.StringVar(&capability, "capability", "", "only observers with this capability (read-model|integration-event-emitting|system-event-emitting)")
		fs.BoolVar(&cfg.PersistReadModel, "persist", false, "let read model observers persist")
		fs.BoolVar(&cfg.DispatchIntegration, "integration", false, "let observers emit integration events")
		fs.BoolVar(&cfg.DispatchSystem, "system", false, "let observers emit system events")
		fs.BoolVar(&cfg.Lock, "lock", false, "hold the aggregate lock while replaying")
		fs.BoolVar(&cfg.Print, "print", false, "print every delivery as JSON")
	}

	if err := fs.Parse(args[1:]); err != nil {
		return Config{}, err
	}
	if cfg.Command == CommandMigrate || cfg.Command == CommandTail {
		return cfg, nil
	}

	if strings.TrimSpace(cfg.TenantID) == "" || strings.TrimSpace(cfg.AggregateID) == "" {
		return Config{}, fmt.Errorf("%s: -tenant and -id are required", cfg.Command)
	}
	t, err := es.ParseAggregateType(aggregateType)
	if err != nil {
		return Config{}, fmt.Errorf("%s: -type: %w", cfg.Command, err)
	}
	cfg.AggregateType = t

	if capability != "" {
		c, err := parseCapability(capability)
		if err != nil {
			return Config{}, fmt.Errorf("%s: -capability: %w", cfg.Command, err)
		}
		cfg.Capability = c
	}
	if cfg.Command == CommandReplayEvent && cfg.Sequence == 0 {
		return Config{}, fmt.Errorf("%s: -seq must be > 0", cfg.Command)
	}
	if cfg.Until > 0 && cfg.Until <= cfg.After {
		return Config{}, fmt.Errorf("%s: -until must be greater than -after", cfg.Command)
	}
	for _, t := range strings.Split(eventTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.EventTypes = append(cfg.EventTypes, t)
		}
	}
	return cfg, nil
}

func parseCapability(s string) (es.Capability, error) {
	for _, c := range []es.Capability{es.CapabilityReadModel, es.CapabilityIntegrationEvents, es.CapabilitySystemEvents} {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Stream returns the stream the command targets.
func (c Config) Stream() es.StreamID {
	return es.StreamID{TenantID: c.TenantID, AggregateType: c.AggregateType, AggregateID: c.AggregateID}
}

// Run executes the command against b.
func Run(ctx context.Context, cfg Config, b *Backends, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	log := b.logger()

	switch cfg.Command {
	case CommandMigrate:
		return migrate(ctx, b, log, out)
	case CommandInspect:
		return inspect(ctx, cfg, b, out)
	case CommandReplayAll, CommandReplayEvent, CommandReplayRange:
		return runReplay(ctx, cfg, b, log, out)
	case CommandTail:
		return tail(ctx, cfg, b, log, out)
	}
	return fmt.Errorf("%w: unknown command %q", ErrUsage, cfg.Command)
}

func migrate(ctx context.Context, b *Backends, log *slog.Logger, out io.Writer) error {
	if len(b.Migrators) == 0 {
		fmt.Fprintln(out, "nothing to migrate")
		return nil
	}
	for _, m := range b.Migrators {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", m.Name, err)
		}
		log.InfoContext(ctx, "schema migrated", slog.String("store", m.Name))
		fmt.Fprintf(out, "migrated %s\n", m.Name)
	}
	return nil
}

func inspect(ctx context.Context, cfg Config, b *Backends, out io.Writer) error {
	repo := es.NewRepository(es.Definition[StreamState]{
		Type: cfg.AggregateType,
		Initial: func(tenantID, id string) StreamState {
			return StreamState{TenantID: tenantID, AggregateID: id}
		},
		Evolve: evolveStream,
	}, b.Log, nil, NewEventRegistry())

	var (
		agg *es.Aggregate[StreamState]
		err error
	)
	if cfg.Sequence > 0 {
		var res es.AggregateSnapshotResult[StreamState]
		res, err = repo.GetAt(ctx, cfg.TenantID, cfg.AggregateID, cfg.Sequence)
		agg = res.Aggregate
	} else {
		agg, err = repo.GetByID(ctx, cfg.TenantID, cfg.AggregateID)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Stream  string      `json:"stream"`
		Version uint64      `json:"version"`
		State   StreamState `json:"state"`
	}{agg.Stream().String(), agg.Version(), agg.State()})
}

func runReplay(ctx context.Context, cfg Config, b *Backends, log *slog.Logger, out io.Writer) error {
	registry := NewEventRegistry()
	repos, err := NewRepositories(b.Log, registry)
	if err != nil {
		return err
	}

	dispatcher, err := newDispatcher(cfg, b, log, out)
	if err != nil {
		return err
	}

	svc := replay.NewService(b.Log, repos, dispatcher, replay.WithLogger(log))
	bus := es.NewCommandBus(1, 1)
	defer bus.Stop()
	replay.RegisterCommands(bus, svc)

	var cmd es.Command
	switch cfg.Command {
	case CommandReplayAll:
		cmd = replay.ReplayAllEvents{Tenant: cfg.TenantID, ID: cfg.AggregateID, Type: cfg.AggregateType}
	case CommandReplayRange:
		cmd = replay.ReplayEventRange{
			Tenant:              cfg.TenantID,
			ID:                  cfg.AggregateID,
			Type:                cfg.AggregateType,
			After:               cfg.After,
			Until:               cfg.Until,
			EventTypes:          cfg.EventTypes,
			Capability:          cfg.Capability,
			PersistReadModel:    cfg.PersistReadModel,
			DispatchIntegration: cfg.DispatchIntegration,
			DispatchSystem:      cfg.DispatchSystem,
		}
	default:
		cmd = replay.ReplaySingleEvent{
			Tenant:              cfg.TenantID,
			ID:                  cfg.AggregateID,
			Type:                cfg.AggregateType,
			Sequence:            cfg.Sequence,
			Capability:          cfg.Capability,
			PersistReadModel:    cfg.PersistReadModel,
			DispatchIntegration: cfg.DispatchIntegration,
			DispatchSystem:      cfg.DispatchSystem,
		}
	}

	var result es.AppendResult
	send := func(ctx context.Context) error {
		var sendErr error
		result, sendErr = bus.Send(ctx, cmd)
		return sendErr
	}
	if cfg.Lock {
		if b.Locker == nil {
			return errors.New("-lock needs a lock backend")
		}
		err = es.WithLock(ctx, b.Locker, cfg.Stream().LockKey(), b.LockTTL, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "replay finished",
		slog.String("command", cfg.Command),
		slog.String("stream", cfg.Stream().String()),
		slog.Uint64("last_sequence", result.NextExpectedVersion))
	if !cfg.Print {
		fmt.Fprintf(out, "replayed %s through sequence %d\n", cfg.Stream(), result.NextExpectedVersion)
	}
	return nil
}

// newDispatcher decorates the configured observers, plus the printer when
// asked for.
func newDispatcher(cfg Config, b *Backends, log *slog.Logger, out io.Writer) (*es.Dispatcher, error) {
	observers := append([]es.Observer(nil), b.Observers...)
	if cfg.Print {
		observers = append(observers, NewPrinter(out))
	}
	for i, o := range observers {
		observers[i] = otel.WithObserverTelemetry(logging.WithObserverLogging(log, o))
	}
	return es.NewDispatcher(observers...)
}

// tail delivers live events to the observers until ctx is done.
func tail(ctx context.Context, cfg Config, b *Backends, log *slog.Logger, out io.Writer) error {
	if b.Live == nil {
		return errors.New("tail needs a live event source, configure kurrentdb.connection_string")
	}
	dispatcher, err := newDispatcher(cfg, b, log, out)
	if err != nil {
		return err
	}
	if len(dispatcher.Observers()) == 0 {
		return errors.New("tail: no observers, pass -print or configure kafka.brokers")
	}
	if err := b.Live.SubscribeAll(ctx, dispatcher); err != nil {
		return err
	}
	log.InfoContext(ctx, "tailing events", slog.Int("observers", len(dispatcher.Observers())))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-b.Live.Errors():
			if !ok {
				return nil
			}
			log.ErrorContext(ctx, "live delivery failed", slog.Any("error", err))
		}
	}
}
