package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// InMemoryStore is a dev/test fallback when no database is configured.
// It supports:
//   - Append: idempotent + monotonic id allocation
//   - ReadSince: windowed range reads for replay
//
// The log is append-only and unbounded, matching the durable backends.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	dedupe map[string]Message // dedup key -> stored message
	msgs   []Message          // ordered by id
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		dedupe: make(map[string]Message),
		msgs:   make([]Message, 0, 256),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append stores a message with idempotency and monotonic id allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.Content == "" {
		return AppendResult{}, errors.New("empty content")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.DedupKey != "" {
		if existing, ok := s.dedupe[in.DedupKey]; ok {
			return AppendResult{Stored: existing, Duplicated: true}, nil
		}
	}

	s.nextID++
	msg := Message{
		ID:       s.nextID,
		DedupKey: in.DedupKey,
		Content:  in.Content,
	}
	if in.DedupKey != "" {
		s.dedupe[in.DedupKey] = msg
	}
	s.msgs = append(s.msgs, msg)

	return AppendResult{Stored: msg, Duplicated: false}, nil
}

// ReadSince returns messages with id > AfterID ordered ascending.
func (s *InMemoryStore) ReadSince(ctx context.Context, in ReadSinceInput) (ReadSinceResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadSinceResult{}, err
	}

	limit := clampReadLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	snap := append([]Message(nil), s.msgs...)
	s.mu.Unlock()

	if len(snap) == 0 {
		return ReadSinceResult{}, nil
	}

	start := sort.Search(len(snap), func(i int) bool { return snap[i].ID > in.AfterID })
	if start >= len(snap) {
		return ReadSinceResult{}, nil
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return ReadSinceResult{Messages: out, HasMore: hasMore}, nil
}
