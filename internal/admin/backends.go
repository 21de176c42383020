package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	es "github.com/policyhub/eventsourcing"
	kurrentbus "github.com/policyhub/eventsourcing/eventbus/kurrentdb"
	kurrentlog "github.com/policyhub/eventsourcing/eventlog/kurrentdb"
	pglog "github.com/policyhub/eventsourcing/eventlog/postgres"
	"github.com/policyhub/eventsourcing/internal/config"
	"github.com/policyhub/eventsourcing/internal/logger"
	"github.com/policyhub/eventsourcing/lock/redislock"
	"github.com/policyhub/eventsourcing/observer/kafka"
	"github.com/policyhub/eventsourcing/otel"
	"github.com/policyhub/eventsourcing/snapshot/gormstore"
)

// Migrator creates the schema of one store.
type Migrator struct {
	Name    string
	Migrate func(ctx context.Context) error
}

// LiveSource delivers events to observers as they are appended.
type LiveSource interface {
	SubscribeAll(ctx context.Context, d *es.Dispatcher) error
	Errors() <-chan error
}

// Backends are the stores and observers a command runs against.
type Backends struct {
	Log       es.EventLog
	Live      LiveSource
	Locker    es.Locker
	LockTTL   time.Duration
	Observers []es.Observer
	Migrators []Migrator
	Logger    *slog.Logger

	closers []func() error
}

func (b *Backends) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.Logger
}

// Close releases every connection opened by Connect, in reverse order.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *Backends) onClose(fn func() error) { b.closers = append(b.closers, fn) }

// Connect opens the backends described by cfg. The event log is KurrentDB
// when a connection string is configured and PostgreSQL otherwise.
func Connect(ctx context.Context, cfg *config.AppConfig, zl *zap.Logger) (_ *Backends, err error) {
	b := &Backends{
		LockTTL: cfg.Redis.LockTTL,
		Logger:  logger.Slog(zl),
	}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if cfg.KurrentDB.ConnectionString != "" {
		kcfg, err := kurrentdb.ParseConnectionString(cfg.KurrentDB.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("parse kurrentdb connection string: %w", err)
		}
		client, err := kurrentdb.NewClient(kcfg)
		if err != nil {
			return nil, fmt.Errorf("connect kurrentdb: %w", err)
		}
		b.onClose(client.Close)
		b.Log = otel.WithEventLogTelemetry(kurrentlog.NewEventLog(kurrentlog.FromClient(client), kurrentlog.WithStreamPrefix(cfg.KurrentDB.StreamPrefix)))

		repos, err := NewRepositories(b.Log, NewEventRegistry())
		if err != nil {
			return nil, err
		}
		live := kurrentbus.NewEventBus(kurrentbus.ClientSubscriber{Client: client}, repos,
			kurrentbus.WithStreamPrefix(cfg.KurrentDB.StreamPrefix))
		b.onClose(live.Close)
		b.Live = live
		zl.Info("using kurrentdb event log")
	} else {
		pool, err := NewPostgresPool(ctx, cfg.Postgres, zl)
		if err != nil {
			return nil, err
		}
		b.onClose(func() error { pool.Close(); return nil })

		events := pglog.NewEventLog(pool, pglog.WithTable(cfg.Postgres.EventsTable))
		b.Migrators = append(b.Migrators, Migrator{Name: "events", Migrate: events.Migrate})
		b.Log = otel.WithEventLogTelemetry(events)
	}

	if cfg.Postgres.DSN != "" {
		dsn := cfg.Postgres.DSN
		b.Migrators = append(b.Migrators, Migrator{Name: "snapshots", Migrate: func(ctx context.Context) error {
			return migrateSnapshots(ctx, dsn)
		}})
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.onClose(client.Close)
		b.Locker = otel.WithLockerTelemetry(redislock.NewLocker(client, redislock.WithKeyPrefix(cfg.Redis.KeyPrefix)))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, err
		}
		obs := kafka.NewObserver(producer, kafka.WithTopicPrefix(cfg.Kafka.TopicPrefix))
		b.onClose(obs.Close)
		b.Observers = append(b.Observers, obs)
		zl.Info("kafka integration observer enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	return b, nil
}

// NewPostgresPool opens a pgx pool for the event log.
func NewPostgresPool(ctx context.Context, cfg config.PostgresSettings, zl *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pgx pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	zl.Info("connected to postgres",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns))
	return pool, nil
}

func migrateSnapshots(ctx context.Context, dsn string) error {
	store, err := gormstore.Open(ctx, dsn, gormstore.WithLogger(gormlogger.Default.LogMode(gormlogger.Warn)))
	if err != nil {
		return err
	}
	return store.Close()
}
