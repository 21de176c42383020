// Package gormstore persists snapshots through GORM, on PostgreSQL in
// production and SQLite in tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	es "github.com/policyhub/eventsourcing"
)

var _ es.SnapshotStore = (*Store)(nil)

// Option allows configuring DB connection.
type Option func(*config)

type config struct {
	Logger logger.Interface
}

// WithLogger sets a custom GORM logger.
func WithLogger(l logger.Interface) Option { return func(c *config) { c.Logger = l } }

// Open opens a Postgres-backed store using the provided DSN and migrates the
// snapshot table.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	gormCfg := &gorm.Config{}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}
	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// SnapshotModel is the GORM model of a snapshot row.
type SnapshotModel struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	TenantID      string    `gorm:"uniqueIndex:snap_stream_version;type:text;not null"`
	AggregateID   string    `gorm:"uniqueIndex:snap_stream_version;type:text;not null"`
	AggregateType string    `gorm:"type:text;not null"`
	Version       uint64    `gorm:"uniqueIndex:snap_stream_version;not null"`
	Payload       []byte    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (SnapshotModel) TableName() string { return "snapshots" }

// Store implements es.SnapshotStore using GORM.
type Store struct{ db *gorm.DB }

// New wraps an already opened connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates the snapshot table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&SnapshotModel{}); err != nil {
		return es.WrapStorageError("migrate", fmt.Errorf("migrate snapshots: %w", err))
	}
	return nil
}

// Save inserts the snapshot. A row for the same version is left untouched.
func (s *Store) Save(ctx context.Context, snap es.Snapshot) error {
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	m := SnapshotModel{
		TenantID:      snap.TenantID,
		AggregateID:   snap.AggregateID,
		AggregateType: string(snap.AggregateType),
		Version:       snap.Version,
		Payload:       snap.Payload,
		CreatedAt:     createdAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "aggregate_id"}, {Name: "version"}},
			DoNothing: true,
		}).
		Create(&m).Error
	if err != nil {
		return es.WrapStorageError("save snapshot", fmt.Errorf("insert snapshot %s/%s@%d: %w", snap.TenantID, snap.AggregateID, snap.Version, err))
	}
	return nil
}

// GetLatest fetches the highest-version snapshot of an aggregate.
func (s *Store) GetLatest(ctx context.Context, tenantID, aggregateID string) (*es.Snapshot, error) {
	return s.first(s.db.WithContext(ctx).
		Where("tenant_id = ? AND aggregate_id = ?", tenantID, aggregateID))
}

// GetAtOrBelow fetches the highest-version snapshot not above maxVersion.
func (s *Store) GetAtOrBelow(ctx context.Context, tenantID, aggregateID string, maxVersion uint64) (*es.Snapshot, error) {
	return s.first(s.db.WithContext(ctx).
		Where("tenant_id = ? AND aggregate_id = ? AND version <= ?", tenantID, aggregateID, maxVersion))
}

func (s *Store) first(q *gorm.DB) (*es.Snapshot, error) {
	var m SnapshotModel
	err := q.Order("version desc").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, es.WrapStorageError("load snapshot", err)
	}
	return &es.Snapshot{
		TenantID:      m.TenantID,
		AggregateID:   m.AggregateID,
		AggregateType: es.AggregateType(m.AggregateType),
		Version:       m.Version,
		Payload:       m.Payload,
		CreatedAt:     m.CreatedAt,
	}, nil
}
