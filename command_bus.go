package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// ErrCommandBusStopped is returned by Send after Stop.
var ErrCommandBusStopped = errors.New("command bus is stopped")

// queuedCommand represents a command enqueued in the command bus for processing.
// Each queuedCommand includes the context for cancellation, the command itself,
// and a response channel to return the processing result.
type queuedCommand struct {
	Ctx        context.Context
	Command    Command
	ResponseCh chan<- commandResult
}

// commandResult represents the result of processing a command.
type commandResult struct {
	Result AppendResult
	Err    error
}

// CommandBus is an in-memory, type-safe command dispatcher.
//
// Commands are sharded by tenant and aggregate id, so commands for the same
// aggregate are processed in order by a single worker of this process. The
// distributed lock still serialises writers across processes.
//
// The CommandBus supports:
//   - Typed command registration using generics
//   - Safe shutdown that waits for in-flight commands to complete
//   - Panic recovery in handlers to prevent the bus from crashing
type CommandBus struct {
	handlers   map[string]func(ctx context.Context, command Command) (AppendResult, error)
	queues     []chan queuedCommand
	stopped    bool
	wg         sync.WaitGroup
	workers    sync.WaitGroup
	mu         sync.RWMutex
	shardCount int
}

// NewCommandBus creates a CommandBus with shardCount workers, each with a
// queue of bufferSize commands. The workers are started immediately.
//
// Example:
//
//	bus := NewCommandBus(100, 8)
//	defer bus.Stop()
func NewCommandBus(bufferSize int, shardCount int) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}
	if bufferSize < 0 {
		bufferSize = 0
	}

	bus := &CommandBus{
		queues:     make([]chan queuedCommand, shardCount),
		handlers:   make(map[string]func(ctx context.Context, command Command) (AppendResult, error)),
		shardCount: shardCount,
	}

	for i := 0; i < shardCount; i++ {
		bus.queues[i] = make(chan queuedCommand, bufferSize)
		bus.workers.Add(1)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Send enqueues a command for the registered handler and waits for the result.
// It is safe to call concurrently.
//
// Returns ErrCommandBusStopped after Stop, and ctx.Err() when ctx ends before
// the handler finishes.
func (b *CommandBus) Send(ctx context.Context, cmd Command) (AppendResult, error) {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return AppendResult{Successful: false}, ErrCommandBusStopped
	}
	b.wg.Add(1)
	b.mu.RUnlock()
	defer b.wg.Done()

	responseCh := make(chan commandResult, 1)
	shard := b.getShard(cmd.TenantID() + "/" + cmd.AggregateID())

	select {
	case b.queues[shard] <- queuedCommand{Ctx: ctx, Command: cmd, ResponseCh: responseCh}:
		select {
		case result := <-responseCh:
			return result.Result, result.Err
		case <-ctx.Done():
			return AppendResult{Successful: false}, ctx.Err()
		}
	case <-ctx.Done():
		return AppendResult{Successful: false}, ctx.Err()
	}
}

// worker processes commands from a single shard queue.
func (b *CommandBus) worker(queue chan queuedCommand) {
	defer b.workers.Done()
	for cmd := range queue {
		cmdName := fmt.Sprintf("%T", cmd.Command)

		b.mu.RLock()
		h, exists := b.handlers[cmdName]
		b.mu.RUnlock()

		if !exists {
			cmd.ResponseCh <- commandResult{
				Result: AppendResult{Successful: false},
				Err:    fmt.Errorf("no handler for command %s", cmdName),
			}
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					cmd.ResponseCh <- commandResult{
						Result: AppendResult{Successful: false},
						Err:    fmt.Errorf("panic in handler for %s: %v", cmdName, r),
					}
				}
			}()

			res, err := h(cmd.Ctx, cmd.Command)
			cmd.ResponseCh <- commandResult{Result: res, Err: err}
		}()
	}
}

func (b *CommandBus) getShard(key string) int {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return int(hash.Sum32() % uint32(b.shardCount))
}

// Register adds a typed command handler to the bus.
//
// The command type name is derived with fmt.Sprintf("%T"), so handlers are
// registered per concrete Go type. Panics if a handler is already registered
// for the same command type.
//
// Example:
//
//	Register(bus, acceptQuoteHandler)
func Register[C Command](b *CommandBus, handler CommandHandler[C]) {
	var zero C
	cmdName := fmt.Sprintf("%T", zero)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[cmdName]; exists {
		panic(fmt.Sprintf("handler already registered for command type %s", cmdName))
	}

	b.handlers[cmdName] = func(ctx context.Context, cmd Command) (AppendResult, error) {
		c, ok := cmd.(C)
		if !ok {
			return AppendResult{Successful: false}, fmt.Errorf("expected command type %s but got %T", cmdName, cmd)
		}
		return handler(ctx, c)
	}
}

// Stop shuts down the CommandBus.
//
// It stops accepting new commands, waits for in-flight Send calls to return,
// then closes the queues and waits for the workers to exit.
func (b *CommandBus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.wg.Wait()
	for _, q := range b.queues {
		close(q)
	}
	b.workers.Wait()
}
