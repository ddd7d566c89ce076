package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisBusChannel = "relay.chat.events"

// RedisBus is the networked Bus for multi-process deployments: one Redis
// pub/sub channel shared by every worker of the logical service instance.
//
// Delivery is best-effort at-most-once. If Redis is unreachable a publish
// fails and the event is simply not seen by other workers; reconnecting
// clients recover missed messages from the store, not from the bus.
type RedisBus struct {
	log *slog.Logger
	rdb *redis.Client
}

// NewRedisBus constructs a Bus backed by the given Redis client and verifies
// connectivity.
func NewRedisBus(ctx context.Context, log *slog.Logger, rdb *redis.Client) (*RedisBus, error) {
	if rdb == nil {
		return nil, errors.New("chat: nil redis client")
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{log: log, rdb: rdb}, nil
}

// Publish sends ev to every subscribed worker.
func (b *RedisBus) Publish(ctx context.Context, ev BusEvent) error {
	if b == nil || b.rdb == nil {
		return errors.New("chat: nil bus")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode bus event: %w", err)
	}
	if err := b.rdb.Publish(ctx, redisBusChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe blocks, decoding events into fn until ctx is done.
// Malformed payloads are logged and skipped; they never stop the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(BusEvent)) error {
	if b == nil || b.rdb == nil {
		return errors.New("chat: nil bus")
	}

	pubsub := b.rdb.Subscribe(ctx, redisBusChannel)
	defer func() { _ = pubsub.Close() }()

	// Force the subscription before reporting readiness via the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("chat: redis subscription closed")
			}
			var ev BusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("bus.event.decode.fail", "err", err)
				continue
			}
			fn(ev)
		}
	}
}

// Close closes the underlying Redis client.
func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
