package eventsourcing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	es "github.com/policyhub/eventsourcing"
	"github.com/policyhub/eventsourcing/fixtures"
)

type handlerEnv struct {
	log    *fixtures.EventLogSpy
	snaps  *fixtures.SnapshotStoreSpy
	locker *fixtures.LockerSpy
	repo   *es.Repository[fixtures.QuoteState]
}

func newHandlerEnv() *handlerEnv {
	env := &handlerEnv{
		log:    fixtures.NewEventLogSpy(),
		snaps:  fixtures.NewSnapshotStoreSpy(),
		locker: fixtures.NewLockerSpy(),
	}
	env.repo = es.NewRepository(fixtures.QuoteDefinition(), env.log, env.snaps, fixtures.NewQuoteRegistry())
	return env
}

var quoteKey = es.StreamID{TenantID: "t1", AggregateType: es.Quote, AggregateID: "q1"}.LockKey()

func TestNewCommandHandler_CreatesAndSaves(t *testing.T) {
	env := newHandlerEnv()
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideCreateQuote)

	res, err := handler(t.Context(), fixtures.CreateQuote{Tenant: "t1", ID: "q1", Holder: "Ada", Premium: 120})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Successful || res.NextExpectedVersion != 1 || len(res.Records) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if env.log.LastExpected != 0 {
		t.Fatalf("expected append at version 0, got %d", env.log.LastExpected)
	}
	if env.locker.AcquireCalls != 1 || env.locker.ReleaseCalls != 1 {
		t.Fatalf("expected one acquire and one release, got %d/%d", env.locker.AcquireCalls, env.locker.ReleaseCalls)
	}
	if env.locker.LastTTL != es.DefaultLockTTL {
		t.Fatalf("expected default ttl, got %v", env.locker.LastTTL)
	}
	if env.locker.Held(quoteKey) {
		t.Fatalf("lock not released")
	}
}

func TestNewCommandHandler_LockTTL(t *testing.T) {
	env := newHandlerEnv()
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideCreateQuote, es.WithLockTTL(5*time.Second))

	if _, err := handler(t.Context(), fixtures.CreateQuote{Tenant: "t1", ID: "q1", Holder: "Ada", Premium: 120}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.locker.LastTTL != 5*time.Second {
		t.Fatalf("expected ttl 5s, got %v", env.locker.LastTTL)
	}
}

func TestNewCommandHandler_SecondCommandContinuesStream(t *testing.T) {
	env := newHandlerEnv()
	create := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideCreateQuote)
	adjust := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideAdjustPremium)

	if _, err := create(t.Context(), fixtures.CreateQuote{Tenant: "t1", ID: "q1", Premium: 100}); err != nil {
		t.Fatal(err)
	}
	res, err := adjust(t.Context(), fixtures.AdjustPremium{Tenant: "t1", ID: "q1", Delta: 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.NextExpectedVersion != 2 {
		t.Fatalf("expected version 2, got %d", res.NextExpectedVersion)
	}
	if env.log.LastExpected != 1 {
		t.Fatalf("expected append at version 1, got %d", env.log.LastExpected)
	}
}

func TestNewCommandHandler_LoadError(t *testing.T) {
	env := newHandlerEnv()
	env.log.FailOnRead(errors.New("db read failure"))
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideCreateQuote)

	_, err := handler(t.Context(), fixtures.CreateQuote{Tenant: "t1", ID: "q1"})
	if err == nil {
		t.Fatalf("expected error when ReadFrom fails")
	}
	if env.log.AppendCalls != 0 {
		t.Fatalf("Append should not be called when load fails")
	}
	if env.locker.Held(quoteKey) {
		t.Fatalf("lock not released after failure")
	}
}

func TestNewCommandHandler_BusinessRuleViolation(t *testing.T) {
	env := newHandlerEnv()
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideAdjustPremium)

	_, err := handler(t.Context(), fixtures.AdjustPremium{Tenant: "t1", ID: "q1", Delta: 1})
	if !errors.Is(err, fixtures.ErrQuoteMissing) {
		t.Fatalf("expected ErrQuoteMissing, got %v", err)
	}
	if env.log.AppendCalls != 0 {
		t.Fatalf("Append should not be called on rule violation")
	}
}

func TestNewCommandHandler_NoEvents_NoSave(t *testing.T) {
	env := newHandlerEnv()
	env.log.WithRecords(fixtures.NewRecord().WithTenant("t1").WithAggregate(es.Quote, "q1").
		BuildFrom(0, &fixtures.QuoteCreated{Premium: 10})...)
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideAdjustPremium)

	res, err := handler(t.Context(), fixtures.AdjustPremium{Tenant: "t1", ID: "q1", Delta: 0})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Successful || res.NextExpectedVersion != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if env.log.AppendCalls != 0 {
		t.Fatalf("expected no append, got %d", env.log.AppendCalls)
	}
}

func TestNewCommandHandler_LockHeld(t *testing.T) {
	env := newHandlerEnv()
	env.locker.Hold(quoteKey)
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideCreateQuote)

	_, err := handler(t.Context(), fixtures.CreateQuote{Tenant: "t1", ID: "q1"})
	if !errors.Is(err, es.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	var lockErr *es.LockConflictError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockConflictError, got %T", err)
	}
	if env.log.ReadFromCalls != 0 {
		t.Fatalf("aggregate must not be loaded without the lock")
	}
}

func TestNewCommandHandler_LockBackendDown(t *testing.T) {
	env := newHandlerEnv()
	env.locker.FailOnAcquire(&es.StorageError{Op: "acquire", Err: errors.New("connection refused")})
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideCreateQuote,
		es.WithRetryStrategy(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)))

	_, err := handler(t.Context(), fixtures.CreateQuote{Tenant: "t1", ID: "q1"})
	if !errors.Is(err, es.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if env.locker.AcquireCalls != 1 {
		t.Fatalf("storage failures must not be retried, got %d attempts", env.locker.AcquireCalls)
	}
}

func conflictOnce(env *handlerEnv) {
	inner := fixtures.NewEventLogSpy()
	env.log.ReadFromFn = inner.ReadFrom
	env.log.AppendFn = func(ctx context.Context, stream es.StreamID, records []es.EventRecord, expected uint64) (uint64, error) {
		if env.log.AppendCalls == 1 {
			return 0, &es.ConcurrencyConflictError{Stream: stream, ExpectedVersion: expected, ActualVersion: expected + 1}
		}
		return inner.Append(ctx, stream, records, expected)
	}
}

func TestNewCommandHandler_ConflictNotRetriedByDefault(t *testing.T) {
	env := newHandlerEnv()
	conflictOnce(env)
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideCreateQuote)

	_, err := handler(t.Context(), fixtures.CreateQuote{Tenant: "t1", ID: "q1"})
	var conflict *es.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", err)
	}
	if env.log.AppendCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", env.log.AppendCalls)
	}
}

func TestNewCommandHandler_ConflictRetried(t *testing.T) {
	env := newHandlerEnv()
	conflictOnce(env)
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideCreateQuote,
		es.WithRetryStrategy(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)))

	res, err := handler(t.Context(), fixtures.CreateQuote{Tenant: "t1", ID: "q1", Premium: 1})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if res.NextExpectedVersion != 1 {
		t.Fatalf("expected version 1, got %d", res.NextExpectedVersion)
	}
	if env.log.AppendCalls != 2 || env.locker.AcquireCalls != 2 || env.locker.ReleaseCalls != 2 {
		t.Fatalf("expected two full attempts, got append=%d acquire=%d release=%d",
			env.log.AppendCalls, env.locker.AcquireCalls, env.locker.ReleaseCalls)
	}
}

func TestNewCommandHandler_RequireExisting(t *testing.T) {
	env := newHandlerEnv()
	handler := es.NewCommandHandler(env.repo, env.locker, fixtures.DecideAcceptQuote, es.WithRequireExisting())

	_, err := handler(t.Context(), fixtures.AcceptQuote{Tenant: "t1", ID: "q1"})
	var nf *es.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestNewCommandHandler_ThroughBus(t *testing.T) {
	env := newHandlerEnv()
	bus := es.NewCommandBus(10, 2)
	defer bus.Stop()

	es.Register(bus, es.NewCommandHandler(env.repo, env.locker, fixtures.DecideCreateQuote))
	es.Register(bus, es.NewCommandHandler(env.repo, env.locker, fixtures.DecideAcceptQuote))

	if _, err := bus.Send(t.Context(), fixtures.CreateQuote{Tenant: "t1", ID: "q1", Premium: 5}); err != nil {
		t.Fatal(err)
	}
	res, err := bus.Send(t.Context(), fixtures.AcceptQuote{Tenant: "t1", ID: "q1", By: "broker"})
	if err != nil {
		t.Fatal(err)
	}
	if res.NextExpectedVersion != 2 {
		t.Fatalf("expected version 2, got %d", res.NextExpectedVersion)
	}

	agg, err := env.repo.GetByID(t.Context(), "t1", "q1")
	if err != nil {
		t.Fatal(err)
	}
	if agg.State().Status != fixtures.QuoteAccepted {
		t.Fatalf("expected accepted quote, got %+v", agg.State())
	}
}
