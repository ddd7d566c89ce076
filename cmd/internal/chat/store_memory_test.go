package chat

import (
	"context"
	"fmt"
	"testing"
)

func TestInMemoryStore_Append_AssignsIncreasingIDs(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	var last int64
	for i := 0; i < 10; i++ {
		res, err := store.Append(ctx, AppendInput{
			Content:  fmt.Sprintf("msg-%d", i),
			DedupKey: fmt.Sprintf("k-%d", i),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.Duplicated {
			t.Fatalf("append %d: unexpected duplicate", i)
		}
		if res.Stored.ID <= last {
			t.Fatalf("append %d: id=%d not greater than previous=%d", i, res.Stored.ID, last)
		}
		last = res.Stored.ID
	}
}

func TestInMemoryStore_Append_DedupKeyIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	first, err := store.Append(ctx, AppendInput{Content: "hello", DedupKey: "k1"})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated {
		t.Fatalf("append first: expected Duplicated=false")
	}

	second, err := store.Append(ctx, AppendInput{Content: "hello retry", DedupKey: "k1"})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("append duplicate: expected Duplicated=true")
	}
	if second.Stored.ID != first.Stored.ID {
		t.Fatalf("duplicate id=%d want original id=%d", second.Stored.ID, first.Stored.ID)
	}
	if second.Stored.Content != "hello" {
		t.Fatalf("duplicate content=%q want original content", second.Stored.Content)
	}

	// Exactly one row made it into the log.
	res, err := store.ReadSince(ctx, ReadSinceInput{AfterID: 0})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("log size=%d want 1", len(res.Messages))
	}
}

func TestInMemoryStore_Append_EmptyDedupKeyNeverDeduplicates(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	a, err := store.Append(ctx, AppendInput{Content: "one"})
	if err != nil {
		t.Fatalf("append a: %v", err)
	}
	b, err := store.Append(ctx, AppendInput{Content: "two"})
	if err != nil {
		t.Fatalf("append b: %v", err)
	}
	if a.Duplicated || b.Duplicated {
		t.Fatalf("keyless appends must never be duplicates")
	}
	if a.Stored.ID == b.Stored.ID {
		t.Fatalf("keyless appends share id=%d", a.Stored.ID)
	}
}

func TestInMemoryStore_ReadSince_NoGapsNoRepeats(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	const total = 25
	for i := 0; i < total; i++ {
		if _, err := store.Append(ctx, AppendInput{Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	cases := []struct {
		name    string
		afterID int64
		want    int
	}{
		{name: "from start", afterID: 0, want: total},
		{name: "mid log", afterID: 10, want: total - 10},
		{name: "tail", afterID: total - 1, want: 1},
		{name: "beyond end", afterID: total, want: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			res, err := store.ReadSince(ctx, ReadSinceInput{AfterID: tc.afterID})
			if err != nil {
				t.Fatalf("read since %d: %v", tc.afterID, err)
			}
			if len(res.Messages) != tc.want {
				t.Fatalf("got %d messages want %d", len(res.Messages), tc.want)
			}
			for i, m := range res.Messages {
				want := tc.afterID + int64(i) + 1
				if m.ID != want {
					t.Fatalf("position %d: id=%d want %d (gap or repeat)", i, m.ID, want)
				}
			}
		})
	}
}

func TestInMemoryStore_ReadSince_WindowsAndHasMore(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := store.Append(ctx, AppendInput{Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	res, err := store.ReadSince(ctx, ReadSinceInput{AfterID: 0, Limit: 3})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("window size=%d want 3", len(res.Messages))
	}
	if !res.HasMore {
		t.Fatalf("expected HasMore=true")
	}

	res, err = store.ReadSince(ctx, ReadSinceInput{AfterID: 4, Limit: 3})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("window size=%d want 3", len(res.Messages))
	}
	if res.HasMore {
		t.Fatalf("expected HasMore=false at tail")
	}
}
