// Package postgres stores the event log in PostgreSQL.
//
// Every record is one row of the events table. The unique index on
// (tenant_id, aggregate_id, sequence_number) is what makes two writers with
// the same expected version unable to both succeed.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	es "github.com/policyhub/eventsourcing"
)

const (
	defaultTable = "events"

	// replayPageSize bounds the rows fetched per round trip while iterating.
	replayPageSize = 200

	uniqueViolation = "23505"
)

var _ es.EventLog = (*EventLog)(nil)

// DB is the subset of *pgxpool.Pool the event log uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Option configures an EventLog.
type Option func(*EventLog)

// WithTable overrides the table name, e.g. "policy.events". An empty name
// keeps the default.
func WithTable(table string) Option {
	return func(l *EventLog) {
		if table != "" {
			l.table = table
		}
	}
}

// WithPageSize overrides how many rows a read fetches per query.
func WithPageSize(n uint64) Option {
	return func(l *EventLog) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// EventLog implements es.EventLog over PostgreSQL.
type EventLog struct {
	db       DB
	builder  squirrel.StatementBuilderType
	table    string
	pageSize uint64
}

// NewEventLog constructs an event log backed by db, usually a *pgxpool.Pool.
func NewEventLog(db DB, opts ...Option) *EventLog {
	l := &EventLog{
		db:       db,
		builder:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		table:    defaultTable,
		pageSize: replayPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Migrate creates the events table and its indexes when missing.
func (l *EventLog) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	tenant_id       TEXT        NOT NULL,
	aggregate_id    TEXT        NOT NULL,
	aggregate_type  TEXT        NOT NULL,
	sequence_number BIGINT      NOT NULL CHECK (sequence_number > 0),
	event_id        UUID        NOT NULL,
	event_type      TEXT        NOT NULL,
	payload         BYTEA       NOT NULL,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`, l.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_stream_sequence_uq ON %s (tenant_id, aggregate_id, sequence_number)`, indexPrefix(l.table), l.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_type_idx ON %s (tenant_id, aggregate_type)`, indexPrefix(l.table), l.table),
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return es.WrapStorageError("migrate", fmt.Errorf("migrate %s: %w", l.table, err))
		}
	}
	return nil
}

func indexPrefix(table string) string {
	out := []byte(table)
	for i, c := range out {
		if c == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}

// Append implements es.EventLog.
func (l *EventLog) Append(ctx context.Context, stream es.StreamID, records []es.EventRecord, expectedVersion uint64) (uint64, error) {
	if err := es.ValidateBatch(stream, records, expectedVersion); err != nil {
		return 0, fmt.Errorf("append to stream %q: %w", stream, err)
	}
	newVersion := expectedVersion + uint64(len(records))

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return 0, es.WrapStorageError("append", fmt.Errorf("begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	current, err := l.currentVersion(ctx, tx, stream)
	if err != nil {
		return 0, es.WrapStorageError("append", err)
	}
	if current != expectedVersion {
		_ = tx.Rollback(ctx)
		committed = true
		return l.resolveMismatch(ctx, stream, records, expectedVersion, current)
	}

	insert := l.builder.Insert(l.table).Columns(
		"tenant_id", "aggregate_id", "aggregate_type", "sequence_number",
		"event_id", "event_type", "payload", "metadata", "created_at",
	)
	for i := range records {
		r := &records[i]
		metadata, err := encodeMetadata(r.Metadata)
		if err != nil {
			return 0, fmt.Errorf("append to stream %q: %w", stream, err)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		insert = insert.Values(
			r.TenantID, r.AggregateID, string(r.AggregateType), int64(r.Sequence),
			r.EventID.String(), r.EventType, r.Payload, metadata, createdAt,
		)
	}
	stmt, args, err := insert.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert events sql: %w", err)
	}

	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			committed = true
			// another writer got in between the version check and the insert
			actual, verr := l.currentVersion(ctx, l.db, stream)
			if verr != nil {
				return 0, es.WrapStorageError("append", verr)
			}
			return l.resolveMismatch(ctx, stream, records, expectedVersion, actual)
		}
		return 0, es.WrapStorageError("append", fmt.Errorf("insert events: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, es.WrapStorageError("append", fmt.Errorf("commit events: %w", err))
	}
	committed = true
	return newVersion, nil
}

// resolveMismatch turns a version mismatch into success when the batch is
// already stored, and into a conflict otherwise.
func (l *EventLog) resolveMismatch(ctx context.Context, stream es.StreamID, records []es.EventRecord, expectedVersion, current uint64) (uint64, error) {
	newVersion := expectedVersion + uint64(len(records))
	if current >= newVersion {
		stored, err := l.readPage(ctx, l.db, stream.TenantID, stream.AggregateID, expectedVersion, uint64(len(records)))
		if err != nil {
			return 0, es.WrapStorageError("append", err)
		}
		if es.MatchesStored(records, stored) {
			return newVersion, nil
		}
	}
	return 0, &es.ConcurrencyConflictError{Stream: stream, ExpectedVersion: expectedVersion, ActualVersion: current}
}

func (l *EventLog) currentVersion(ctx context.Context, exec pgExecutor, stream es.StreamID) (uint64, error) {
	stmt, args, err := l.builder.Select("COALESCE(MAX(sequence_number), 0)").
		From(l.table).
		Where(squirrel.Eq{"tenant_id": stream.TenantID, "aggregate_id": stream.AggregateID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build select version sql: %w", err)
	}
	var current int64
	if err := exec.QueryRow(ctx, stmt, args...).Scan(&current); err != nil {
		return 0, fmt.Errorf("select version of %q: %w", stream, err)
	}
	return uint64(current), nil
}

// ReadFrom implements es.EventReader. Rows are fetched page by page as the
// iterator advances.
func (l *EventLog) ReadFrom(ctx context.Context, tenantID, aggregateID string, fromExclusive uint64) (*es.Iterator[*es.EventRecord], error) {
	var (
		page   []*es.EventRecord
		cursor = fromExclusive
		last   bool
	)
	return es.NewIteratorFunc(func(ctx context.Context) (*es.EventRecord, error) {
		if len(page) == 0 {
			if last {
				return nil, io.EOF
			}
			next, err := l.readPage(ctx, l.db, tenantID, aggregateID, cursor, l.pageSize)
			if err != nil {
				return nil, es.WrapStorageError("read", err)
			}
			if uint64(len(next)) < l.pageSize {
				last = true
			}
			if len(next) == 0 {
				return nil, io.EOF
			}
			page = next
		}
		rec := page[0]
		page = page[1:]
		cursor = rec.Sequence
		return rec, nil
	}), nil
}

// Exists implements es.EventReader.
func (l *EventLog) Exists(ctx context.Context, tenantID, aggregateID string) (bool, error) {
	stmt, args, err := l.builder.Select("1").
		From(l.table).
		Where(squirrel.Eq{"tenant_id": tenantID, "aggregate_id": aggregateID}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists sql: %w", err)
	}
	var one int
	if err := l.db.QueryRow(ctx, stmt, args...).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, es.WrapStorageError("exists", fmt.Errorf("select aggregate %q: %w", aggregateID, err))
	}
	return true, nil
}

func (l *EventLog) readPage(ctx context.Context, exec pgExecutor, tenantID, aggregateID string, after, limit uint64) ([]*es.EventRecord, error) {
	stmt, args, err := l.builder.Select(
		"tenant_id",
		"aggregate_id",
		"aggregate_type",
		"sequence_number",
		"event_id",
		"event_type",
		"payload",
		"metadata",
		"created_at",
	).
		From(l.table).
		Where(squirrel.Eq{"tenant_id": tenantID, "aggregate_id": aggregateID}).
		Where(squirrel.Gt{"sequence_number": int64(after)}).
		OrderBy("sequence_number ASC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select events sql: %w", err)
	}

	rows, err := exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("select events of %q: %w", aggregateID, err)
	}
	defer rows.Close()

	var out []*es.EventRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events of %q: %w", aggregateID, err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*es.EventRecord, error) {
	var (
		rec           es.EventRecord
		aggregateType string
		sequence      int64
		eventID       string
		metadata      []byte
	)
	if err := row.Scan(
		&rec.TenantID,
		&rec.AggregateID,
		&aggregateType,
		&sequence,
		&eventID,
		&rec.EventType,
		&rec.Payload,
		&metadata,
		&rec.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	id, err := uuid.Parse(eventID)
	if err != nil {
		return nil, fmt.Errorf("parse event id %q: %w", eventID, err)
	}
	rec.EventID = id
	rec.AggregateType = es.AggregateType(aggregateType)
	rec.Sequence = uint64(sequence)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %s: %w", id, err)
		}
	}
	return &rec, nil
}

func encodeMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
