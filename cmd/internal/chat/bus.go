package chat

import (
	"context"
	"encoding/json"
	"sync"
)

// BusEvent is the unit carried across worker processes.
//
// Origin identifies the publishing worker so subscribers can discard their own
// events; durability never depends on the bus (delivery is best-effort
// at-most-once, the store is the source of truth).
type BusEvent struct {
	Origin         string          `json:"origin"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload"`
	ExcludeSession string          `json:"exclude_session,omitempty"`
}

// Bus is the cross-worker pub/sub channel the fanout layer depends on.
// Implementations must broadcast each published event to every subscribed
// worker (pub/sub semantics, not point-to-point).
type Bus interface {
	// Publish sends an event to all subscribed workers. No retry, no queue.
	Publish(ctx context.Context, ev BusEvent) error
	// Subscribe blocks, invoking fn for each received event, until ctx is done.
	Subscribe(ctx context.Context, fn func(BusEvent)) error
	Close() error
}

// NoopBus is the single-worker Bus: publishes go nowhere and subscriptions
// block until cancelled. Local delivery is handled entirely by the Hub.
type NoopBus struct{}

// Publish is a no-op.
func (NoopBus) Publish(context.Context, BusEvent) error { return nil }

// Subscribe blocks until ctx is done.
func (NoopBus) Subscribe(ctx context.Context, _ func(BusEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close is a no-op.
func (NoopBus) Close() error { return nil }

// LocalBus is an in-process broker connecting workers that share one process.
// Every published event is delivered to every subscriber, including the
// publisher's own (origin filtering happens in the fanout layer).
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan BusEvent
}

const localBusQueueSize = 256

// NewLocalBus constructs an in-process Bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan BusEvent)}
}

// Publish delivers ev to every current subscriber. Slow subscribers drop the
// event rather than block the publisher.
func (b *LocalBus) Publish(ctx context.Context, ev BusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe blocks, draining events into fn until ctx is done.
func (b *LocalBus) Subscribe(ctx context.Context, fn func(BusEvent)) error {
	ch := make(chan BusEvent, localBusQueueSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			fn(ev)
		}
	}
}

// Close is a no-op; subscriber channels are owned by their Subscribe calls.
func (b *LocalBus) Close() error { return nil }
