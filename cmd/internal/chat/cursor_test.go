package chat

import (
	"context"
	"fmt"
	"testing"
)

func seededStore(t *testing.T, n int) *InMemoryStore {
	t.Helper()

	store := NewInMemoryStore()
	for i := 0; i < n; i++ {
		if _, err := store.Append(context.Background(), AppendInput{Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("seed append %d: %v", i, err)
		}
	}
	return store
}

func drainCursor(t *testing.T, cur *Cursor) []Message {
	t.Helper()

	var out []Message
	for {
		msg, ok, err := cur.Next(context.Background())
		if err != nil {
			t.Fatalf("cursor next: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func TestCursor_PagesThroughWholeLog(t *testing.T) {
	t.Parallel()

	const total = 23
	store := seededStore(t, total)

	// Page size smaller than the log forces multiple windows.
	cur := NewCursor(store, 0, 5)
	got := drainCursor(t, cur)

	if len(got) != total {
		t.Fatalf("drained %d messages want %d", len(got), total)
	}
	for i, m := range got {
		if m.ID != int64(i+1) {
			t.Fatalf("position %d: id=%d want %d", i, m.ID, i+1)
		}
	}
}

func TestCursor_StartsAfterOffset(t *testing.T) {
	t.Parallel()

	store := seededStore(t, 10)

	cur := NewCursor(store, 7, 4)
	got := drainCursor(t, cur)

	if len(got) != 3 {
		t.Fatalf("drained %d messages want 3", len(got))
	}
	if got[0].ID != 8 || got[2].ID != 10 {
		t.Fatalf("range [%d..%d] want [8..10]", got[0].ID, got[2].ID)
	}
}

func TestCursor_RestartableFromLastID(t *testing.T) {
	t.Parallel()

	store := seededStore(t, 12)

	cur := NewCursor(store, 0, 4)
	for i := 0; i < 5; i++ {
		if _, ok, err := cur.Next(context.Background()); err != nil || !ok {
			t.Fatalf("next %d: ok=%v err=%v", i, ok, err)
		}
	}
	if cur.LastID() != 5 {
		t.Fatalf("LastID=%d want 5", cur.LastID())
	}

	// A fresh cursor at LastID resumes exactly where the first one stopped.
	resumed := NewCursor(store, cur.LastID(), 4)
	got := drainCursor(t, resumed)

	if len(got) != 7 {
		t.Fatalf("resumed %d messages want 7", len(got))
	}
	if got[0].ID != 6 {
		t.Fatalf("resumed first id=%d want 6", got[0].ID)
	}
}

func TestCursor_EmptyLog(t *testing.T) {
	t.Parallel()

	cur := NewCursor(NewInMemoryStore(), 0, 4)
	if got := drainCursor(t, cur); len(got) != 0 {
		t.Fatalf("drained %d messages from empty log", len(got))
	}
}
