package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CommandHandler defines a function type for handling commands of a specific type.
//
// C represents the concrete command type implementing the Command interface.
//
// Handlers are registered with a CommandBus, which routes each command to
// exactly one handler based on its type.
//
// Returns:
//   - AppendResult: the success status, the version of the aggregate after the
//     command, and the records appended.
//   - error: non-nil if the command failed, e.g. due to a business rule
//     violation, a concurrency conflict or a storage failure.
type CommandHandler[C Command] func(ctx context.Context, command C) (AppendResult, error)

// Decider determines which events should occur based on the current state and a command.
//
// S represents the aggregate state type.
// C represents the command type.
//
// Notes:
//   - The Decider must not mutate the input state; the returned events are
//     applied through the aggregate's Evolver.
//   - Returning an empty slice means the command has no effect and nothing is saved.
type Decider[S any, C Command] func(state S, cmd C) ([]Event, error)

// CommandHandlerOption modifies handlerOptions.
type CommandHandlerOption func(configuration *handlerOptions)

// handlerOptions defines configuration for a CommandHandler.
type handlerOptions struct {
	// RetryStrategy controls how often a command is retried after a
	// concurrency conflict. Defaults to no retries.
	RetryStrategy backoff.BackOff

	// LockTTL is the lease taken on the aggregate. Defaults to DefaultLockTTL.
	LockTTL time.Duration

	// RequireExisting rejects commands for aggregates that have no events yet.
	RequireExisting bool
}

// NewCommandHandler returns a command handler for aggregates stored in repo.
//
// Every invocation performs the write cycle:
//  1. Acquire the distributed lock of the aggregate, failing fast when it is held.
//  2. Rehydrate the aggregate (or start a new one when it does not exist).
//  3. Decide the new events from the current state and the command.
//  4. Record the events on the aggregate and save with the loaded version as
//     the expected version.
//  5. Release the lock, whatever the outcome.
//
// A ConcurrencyConflictError or LockConflictError is retried according to the
// configured retry strategy by reloading the aggregate and deciding again.
// Every other error is returned immediately.
//
// Example Usage:
//
//	handler := NewCommandHandler(quotes, locker, decideAcceptQuote,
//	    WithRetryStrategy(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 3)))
//	Register(bus, handler)
func NewCommandHandler[S any, C Command](
	repo *Repository[S],
	locker Locker,
	decide Decider[S, C],
	opts ...CommandHandlerOption,
) CommandHandler[C] {
	return func(ctx context.Context, command C) (AppendResult, error) {
		cfg := &handlerOptions{
			RetryStrategy: &backoff.StopBackOff{},
			LockTTL:       DefaultLockTTL,
		}
		for _, o := range opts {
			o(cfg)
		}

		tenantID, id := command.TenantID(), command.AggregateID()
		stream := StreamID{TenantID: tenantID, AggregateType: repo.AggregateType(), AggregateID: id}

		attempt := func(ctx context.Context) (AppendResult, error) {
			var result AppendResult
			err := WithLock(ctx, locker, stream.LockKey(), cfg.LockTTL, func(ctx context.Context) error {
				agg, err := repo.GetByID(ctx, tenantID, id)
				switch {
				case errors.Is(err, ErrNotFound) && !cfg.RequireExisting:
					agg = repo.New(tenantID, id)
				case err != nil:
					return fmt.Errorf("load failed: %w", err)
				}

				events, err := decide(agg.State(), command)
				if err != nil {
					return fmt.Errorf("business rule violation: %w", err)
				}
				if len(events) == 0 {
					result = AppendResult{Successful: true, NextExpectedVersion: agg.Version()}
					return nil
				}

				agg.Record(events...)
				result, err = repo.Commit(ctx, agg)
				if err != nil {
					return fmt.Errorf("failed to save events: %w", err)
				}
				return nil
			})
			if err != nil {
				return AppendResult{Successful: false, NextExpectedVersion: result.NextExpectedVersion},
					fmt.Errorf("handle command %T for aggregate %q (stream %q): %w", command, id, stream, err)
			}
			return result, nil
		}

		return backoff.RetryWithData(func() (AppendResult, error) {
			res, err := attempt(ctx)
			if err != nil && !errors.Is(err, ErrConcurrencyConflict) {
				return res, backoff.Permanent(err)
			}
			return res, err
		}, backoff.WithContext(cfg.RetryStrategy, ctx))
	}
}

// WithRetryStrategy sets the retry strategy applied to concurrency conflicts.
//
// Usage:
//
//	handler := NewCommandHandler(repo, locker, decide, WithRetryStrategy(myBackoff))
func WithRetryStrategy(strategy backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RetryStrategy = strategy }
}

// WithLockTTL sets the lease taken on the aggregate while handling a command.
func WithLockTTL(ttl time.Duration) CommandHandlerOption {
	return func(cfg *handlerOptions) {
		if ttl > 0 {
			cfg.LockTTL = ttl
		}
	}
}

// WithRequireExisting makes the handler return a NotFoundError for aggregates
// without events instead of starting a new one.
func WithRequireExisting() CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RequireExisting = true }
}
