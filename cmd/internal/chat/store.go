package chat

import (
	"context"
)

// Message is the durable unit: one row of the append-only log.
//
// ID is assigned by the store on successful insert, is unique and never
// reused; insertion order is the total order. DedupKey is the opaque
// client-supplied idempotency token ("" for rows inserted without one).
type Message struct {
	ID       int64
	DedupKey string
	Content  string
}

// MessageStore persists and reads back the global append-only message log.
//
// Requirements:
//   - Idempotency per dedup key: a second append with the same non-empty key
//     returns the original row with Duplicated=true, no new id is assigned.
//   - ID assignment is serialized: concurrent appends never race on id order.
//   - ReadSince returns messages with id > AfterID in ascending id order,
//     with no gaps and no repeats for rows that existed at call time.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	ReadSince(ctx context.Context, in ReadSinceInput) (ReadSinceResult, error)
	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	Content  string
	DedupKey string
}

// AppendResult is the append operation result.
// Duplicated reports that the dedup key was already stored; Stored then holds
// the original row, not a new one.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// ReadSinceInput describes a range read over the log.
type ReadSinceInput struct {
	AfterID int64
	Limit   int
}

// ReadSinceResult contains one window of the log.
type ReadSinceResult struct {
	Messages []Message
	HasMore  bool
}

const (
	readSinceDefaultLimit = 100
	readSinceMaxLimit     = 1000
)

// clampReadLimit normalizes a caller-supplied window size.
func clampReadLimit(limit int) int {
	if limit <= 0 {
		return readSinceDefaultLimit
	}
	if limit > readSinceMaxLimit {
		return readSinceMaxLimit
	}
	return limit
}
