package chat

import (
	"context"
	"errors"
)

// Cursor is a lazy, restartable iterator over the message log.
//
// It pulls windows from MessageStore.ReadSince on demand and tracks the last
// id it yielded, so a failed iteration can be resumed by opening a new cursor
// at LastID(). Messages appended concurrently during iteration may or may not
// be observed; messages that existed when the cursor was opened are never
// skipped or repeated.
type Cursor struct {
	store    MessageStore
	after    int64
	pageSize int

	buf  []Message
	idx  int
	done bool
}

// NewCursor opens a cursor positioned just after afterID.
func NewCursor(store MessageStore, afterID int64, pageSize int) *Cursor {
	return &Cursor{
		store:    store,
		after:    afterID,
		pageSize: clampReadLimit(pageSize),
	}
}

// Next returns the next message in ascending id order.
// The second return value is false when the log is exhausted.
func (c *Cursor) Next(ctx context.Context) (Message, bool, error) {
	if c == nil || c.store == nil {
		return Message{}, false, errors.New("chat: nil cursor")
	}

	if c.idx >= len(c.buf) {
		if c.done {
			return Message{}, false, nil
		}
		res, err := c.store.ReadSince(ctx, ReadSinceInput{AfterID: c.after, Limit: c.pageSize})
		if err != nil {
			return Message{}, false, err
		}
		c.buf = res.Messages
		c.idx = 0
		c.done = !res.HasMore
		if len(c.buf) == 0 {
			return Message{}, false, nil
		}
	}

	msg := c.buf[c.idx]
	c.idx++
	c.after = msg.ID
	return msg, true, nil
}

// LastID returns the id of the last yielded message (or the starting offset).
// Opening a new cursor at LastID resumes the iteration.
func (c *Cursor) LastID() int64 {
	if c == nil {
		return 0
	}
	return c.after
}
