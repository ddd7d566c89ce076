package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	v1 "relay/shared/contracts/chat/v1"
)

// twoWorkers wires two hubs to one shared bus, the multi-worker topology.
func twoWorkers(t *testing.T, ctx context.Context) (fa, fb *Fanout, ha, hb *Hub) {
	t.Helper()

	bus := NewLocalBus()

	ha = NewHub(discardLogger())
	hb = NewHub(discardLogger())
	fa = NewFanout(discardLogger(), ha, bus, "worker-a")
	fb = NewFanout(discardLogger(), hb, bus, "worker-b")

	go func() { _ = fa.Run(ctx) }()
	go func() { _ = fb.Run(ctx) }()
	waitForSubscribers(t, bus, 2)

	return fa, fb, ha, hb
}

func awaitEvent(t *testing.T, c *Client, event string) v1.Envelope {
	t.Helper()

	select {
	case env := <-c.Send:
		if env.Event != event {
			t.Fatalf("got event %q want %q", env.Event, event)
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("client %s never received %q", c.SessionID, event)
		return v1.Envelope{}
	}
}

func TestFanout_ReachesClientsOnOtherWorkersExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fa, _, ha, hb := twoWorkers(t, ctx)

	local := NewClient("local", 8)
	remote := NewClient("remote", 8)
	ha.Register(local)
	hb.Register(remote)

	fa.Broadcast(ctx, v1.EventChatMessage, v1.BroadcastPayload{Content: "hello", ID: 1})

	for _, c := range []*Client{local, remote} {
		env := awaitEvent(t, c, v1.EventChatMessage)

		var p v1.BroadcastPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Content != "hello" || p.ID != 1 {
			t.Fatalf("payload=%+v want content=hello id=1", p)
		}
	}

	// Exactly once: no second copy may arrive on either side (the origin
	// worker must discard its own bus echo).
	time.Sleep(100 * time.Millisecond)
	for _, c := range []*Client{local, remote} {
		if got := receivedCount(c); got != 0 {
			t.Fatalf("client %s received %d duplicate events", c.SessionID, got)
		}
	}
}

func TestFanout_BroadcastExceptExcludesOnlyTheDepartingSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fa, _, ha, hb := twoWorkers(t, ctx)

	departing := NewClient("departing", 8)
	sameWorker := NewClient("same-worker", 8)
	otherWorker := NewClient("other-worker", 8)
	ha.Register(departing)
	ha.Register(sameWorker)
	hb.Register(otherWorker)

	fa.BroadcastExcept(ctx, v1.EventUserDisconnected, "departing", v1.NoticePayload{
		Message: v1.NoticeDisconnected,
	})

	awaitEvent(t, sameWorker, v1.EventUserDisconnected)
	awaitEvent(t, otherWorker, v1.EventUserDisconnected)

	if got := receivedCount(departing); got != 0 {
		t.Fatalf("excluded session received %d events", got)
	}
}

func TestFanout_BusFailureDegradesToLocalDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	hub := NewHub(discardLogger())
	f := NewFanout(discardLogger(), hub, failingBus{}, "worker-a")

	c := NewClient("c", 8)
	hub.Register(c)

	f.Broadcast(ctx, v1.EventChatMessage, v1.BroadcastPayload{Content: "still local", ID: 7})

	awaitEvent(t, c, v1.EventChatMessage)
}

type failingBus struct{}

func (failingBus) Publish(context.Context, BusEvent) error { return context.DeadlineExceeded }
func (failingBus) Subscribe(ctx context.Context, _ func(BusEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (failingBus) Close() error { return nil }
