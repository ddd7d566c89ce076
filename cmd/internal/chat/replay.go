package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	v1 "relay/shared/contracts/chat/v1"
)

// Replayer delivers missed messages to a single reconnecting client.
//
// Replay reads the log strictly after the session's claimed offset and
// enqueues each message, in ascending id order, to that client only. A client
// whose session was already recovered by the transport gets no replay.
type Replayer struct {
	log      *slog.Logger
	store    MessageStore
	pageSize int
}

// NewReplayer constructs a Replayer over the given store.
func NewReplayer(log *slog.Logger, store MessageStore, pageSize int) *Replayer {
	return &Replayer{
		log:      log,
		store:    store,
		pageSize: clampReadLimit(pageSize),
	}
}

// Replay sends every stored message with id > sess.ServerOffset to client.
// It returns the number of messages delivered. A store failure aborts the
// replay and is returned to the caller; the connection itself must proceed
// (availability over completeness, the client can reconnect and retry).
//
// The caller registers the client for live fanout before starting the replay,
// so a message appended while the replay is reading can arrive twice: once
// live and once from the log. Clients deduplicate on the message id, which is
// identical on both copies.
func (r *Replayer) Replay(ctx context.Context, client *Client, sess Session) (int, error) {
	if sess.Recovered {
		return 0, nil
	}

	cur := NewCursor(r.store, sess.ServerOffset, r.pageSize)
	delivered := 0

	for {
		msg, ok, err := cur.Next(ctx)
		if err != nil {
			return delivered, err
		}
		if !ok {
			return delivered, nil
		}

		payload, err := json.Marshal(v1.BroadcastPayload{
			Content: msg.Content,
			ID:      msg.ID,
		})
		if err != nil {
			return delivered, err
		}

		env := v1.Envelope{
			V:       v1.Version,
			Event:   v1.EventChatMessage,
			ID:      NewRandomHex(10),
			TS:      time.Now().UTC(),
			Payload: payload,
		}

		// Replay must be complete, so block instead of dropping. The writer
		// goroutine drains Send for the whole connection lifetime, and a
		// disconnect cancels only this client's replay via Done.
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case <-client.Done():
			return delivered, nil
		case client.Send <- env:
			delivered++
			messagesReplayed.Inc()
		}
	}
}
