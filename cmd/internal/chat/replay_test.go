package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	v1 "relay/shared/contracts/chat/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func drainBroadcasts(t *testing.T, c *Client) []v1.BroadcastPayload {
	t.Helper()

	var out []v1.BroadcastPayload
	for {
		select {
		case env := <-c.Send:
			if env.Event != v1.EventChatMessage {
				t.Fatalf("unexpected event in replay stream: %s", env.Event)
			}
			var p v1.BroadcastPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatalf("decode replay payload: %v", err)
			}
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestReplayer_RecoveredSessionSkipsReplay(t *testing.T) {
	t.Parallel()

	store := seededStore(t, 5)
	r := NewReplayer(discardLogger(), store, 10)
	client := NewClient("s1", 16)

	n, err := r.Replay(context.Background(), client, Session{ServerOffset: 0, Recovered: true})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 0 {
		t.Fatalf("delivered %d messages want 0", n)
	}
	if got := drainBroadcasts(t, client); len(got) != 0 {
		t.Fatalf("recovered session received %d replayed messages", len(got))
	}
}

func TestReplayer_DeliversExactlyMessagesAfterOffset(t *testing.T) {
	t.Parallel()

	const total = 12
	store := seededStore(t, total)
	// Page size below the range size exercises multi-window replay.
	r := NewReplayer(discardLogger(), store, 3)
	client := NewClient("s1", 64)

	const offset = 4
	n, err := r.Replay(context.Background(), client, Session{ServerOffset: offset})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != total-offset {
		t.Fatalf("delivered %d messages want %d", n, total-offset)
	}

	got := drainBroadcasts(t, client)
	if len(got) != total-offset {
		t.Fatalf("received %d messages want %d", len(got), total-offset)
	}
	for i, p := range got {
		want := int64(offset + i + 1)
		if p.ID != want {
			t.Fatalf("position %d: id=%d want %d (gap, repeat or misorder)", i, p.ID, want)
		}
		if p.Content != fmt.Sprintf("m%d", want-1) {
			t.Fatalf("position %d: content=%q not preserved", i, p.Content)
		}
		if len(p.ClientLocalID) != 0 {
			t.Fatalf("replayed message carries client_local_id")
		}
	}
}

func TestReplayer_EmptyRange(t *testing.T) {
	t.Parallel()

	store := seededStore(t, 3)
	r := NewReplayer(discardLogger(), store, 10)
	client := NewClient("s1", 16)

	n, err := r.Replay(context.Background(), client, Session{ServerOffset: 3})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 0 {
		t.Fatalf("delivered %d messages want 0", n)
	}
}

type failingStore struct {
	MessageStore
	err error
}

func (f failingStore) ReadSince(context.Context, ReadSinceInput) (ReadSinceResult, error) {
	return ReadSinceResult{}, f.err
}

func TestReplayer_SurfacesStoreFailure(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("store unreachable")
	r := NewReplayer(discardLogger(), failingStore{err: wantErr}, 10)
	client := NewClient("s1", 16)

	n, err := r.Replay(context.Background(), client, Session{ServerOffset: 0})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err=%v want %v", err, wantErr)
	}
	if n != 0 {
		t.Fatalf("delivered %d messages want 0", n)
	}
}

func TestReplayer_StopsWhenClientCloses(t *testing.T) {
	t.Parallel()

	store := seededStore(t, 10)
	r := NewReplayer(discardLogger(), store, 4)

	// Queue of 1 with a closed client: the blocking send must bail out via
	// Done instead of hanging.
	client := NewClient("s1", 1)
	client.Close()

	n, err := r.Replay(context.Background(), client, Session{ServerOffset: 0})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n > 1 {
		t.Fatalf("delivered %d messages to a closed client", n)
	}
}
