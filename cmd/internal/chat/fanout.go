package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	v1 "relay/shared/contracts/chat/v1"
)

// Fanout delivers named events to every connected client across every worker:
// locally through the Hub, remotely through the Bus.
//
// Exactly-once per fanout call: each event carries the origin worker id, and
// Run discards events this worker published itself (they were already
// delivered locally at publish time).
type Fanout struct {
	log      *slog.Logger
	hub      *Hub
	bus      Bus
	workerID string
}

// NewFanout constructs a Fanout for one worker.
func NewFanout(log *slog.Logger, hub *Hub, bus Bus, workerID string) *Fanout {
	if bus == nil {
		bus = NoopBus{}
	}
	return &Fanout{
		log:      log,
		hub:      hub,
		bus:      bus,
		workerID: workerID,
	}
}

// WorkerID returns the id used for origin filtering.
func (f *Fanout) WorkerID() string { return f.workerID }

// Broadcast delivers payload under event to every client on every worker.
func (f *Fanout) Broadcast(ctx context.Context, event string, payload any) {
	f.broadcast(ctx, event, "", payload)
}

// BroadcastExcept delivers payload under event to every client except the
// given session (which can only be connected to this worker).
func (f *Fanout) BroadcastExcept(ctx context.Context, event, exceptSessionID string, payload any) {
	f.broadcast(ctx, event, exceptSessionID, payload)
}

func (f *Fanout) broadcast(ctx context.Context, event, exceptSessionID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		f.log.Error("fanout.encode.fail", "event", event, "err", err)
		return
	}

	env := v1.Envelope{
		V:       v1.Version,
		Event:   event,
		ID:      NewRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	f.hub.BroadcastExcept(exceptSessionID, env)
	fanoutPublished.Inc()

	// Cross-worker leg is best-effort: a bus failure degrades to local-only
	// delivery, it never fails the caller. Durability lives in the store.
	if err := f.bus.Publish(ctx, BusEvent{
		Origin:         f.workerID,
		Name:           event,
		Payload:        raw,
		ExcludeSession: exceptSessionID,
	}); err != nil {
		fanoutErrors.Inc()
		f.log.Warn("fanout.bus.unavailable", "event", event, "err", err)
	}
}

// Run subscribes to the bus and delivers remote events to this worker's
// clients. It blocks until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	return f.bus.Subscribe(ctx, func(ev BusEvent) {
		if ev.Origin == f.workerID {
			return
		}
		fanoutReceived.Inc()

		env := v1.Envelope{
			V:       v1.Version,
			Event:   ev.Name,
			ID:      NewRandomHex(10),
			TS:      time.Now().UTC(),
			Payload: ev.Payload,
		}
		// ExcludeSession belongs to the origin worker; it cannot be connected
		// here, so delivering to everyone is still "all except one" globally.
		f.hub.Broadcast(env)
	})
}
