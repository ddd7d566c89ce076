package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func waitForSubscribers(t *testing.T, bus *LocalBus, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		bus.mu.Lock()
		got := len(bus.subs)
		bus.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscribers never attached")
}

func TestLocalBus_DeliversToEverySubscriber(t *testing.T) {
	t.Parallel()

	bus := NewLocalBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const subscribers = 3
	got := make(chan BusEvent, subscribers)

	for i := 0; i < subscribers; i++ {
		go func() {
			_ = bus.Subscribe(ctx, func(ev BusEvent) { got <- ev })
		}()
	}
	waitForSubscribers(t, bus, subscribers)

	payload := json.RawMessage(`{"message":"*connected*"}`)
	if err := bus.Publish(ctx, BusEvent{Origin: "w0", Name: "firstConnect", Payload: payload}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i := 0; i < subscribers; i++ {
		select {
		case ev := <-got:
			if ev.Origin != "w0" || ev.Name != "firstConnect" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestLocalBus_SubscribeStopsOnCancel(t *testing.T) {
	t.Parallel()

	bus := NewLocalBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, func(BusEvent) {})
	}()

	waitForSubscribers(t, bus, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscribe did not return after cancel")
	}
}

func TestNoopBus_PublishIsLocalOnly(t *testing.T) {
	t.Parallel()

	bus := NoopBus{}
	if err := bus.Publish(context.Background(), BusEvent{Name: "chat message"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := bus.Subscribe(ctx, func(BusEvent) {
		t.Errorf("noop bus delivered an event")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want context.DeadlineExceeded", err)
	}
}
