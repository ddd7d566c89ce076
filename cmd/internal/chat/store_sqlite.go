package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default durable MessageStore: a single flat append-only
// table in a local sqlite file.
//
// Concurrency model:
//   - The pool is capped at one open connection, so appends are serialized at
//     the driver level and id assignment order equals commit order.
//   - The unique index on client_offset enforces dedup-key uniqueness even if
//     the single-writer assumption is ever relaxed.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    client_offset TEXT UNIQUE,
    content       TEXT NOT NULL
);
`

// NewSQLiteStore opens (creating if needed) the sqlite log at path.
func NewSQLiteStore(ctx context.Context, path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("chat: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes id assignment.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores a message with idempotency and monotonic id allocation.
func (s *SQLiteStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.db == nil {
		return AppendResult{}, errors.New("chat: nil store")
	}
	if in.Content == "" {
		return AppendResult{}, errors.New("empty content")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	if in.DedupKey == "" {
		// Pre-dedup-era shape: NULL client_offset, never deduplicated.
		var id int64
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO messages (client_offset, content) VALUES (NULL, ?) RETURNING id`,
			in.Content,
		).Scan(&id)
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert message: %w", err)
		}
		return AppendResult{Stored: Message{ID: id, Content: in.Content}}, nil
	}

	// ON CONFLICT DO NOTHING makes the duplicate path race-free: the insert
	// returns no row instead of failing, and the original row is re-read.
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (client_offset, content) VALUES (?, ?)
		 ON CONFLICT (client_offset) DO NOTHING
		 RETURNING id`,
		in.DedupKey, in.Content,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, rerr := s.readByDedupKey(ctx, in.DedupKey)
		if rerr != nil {
			return AppendResult{}, rerr
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	return AppendResult{Stored: Message{ID: id, DedupKey: in.DedupKey, Content: in.Content}}, nil
}

// ReadSince returns messages with id > AfterID ordered ascending.
func (s *SQLiteStore) ReadSince(ctx context.Context, in ReadSinceInput) (ReadSinceResult, error) {
	if s == nil || s.db == nil {
		return ReadSinceResult{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return ReadSinceResult{}, err
	}

	limit := clampReadLimit(in.Limit)
	fetch := limit + 1

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(client_offset, ''), content
		   FROM messages
		  WHERE id > ?
		  ORDER BY id ASC
		  LIMIT ?`,
		in.AfterID, fetch,
	)
	if err != nil {
		return ReadSinceResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.DedupKey, &m.Content); err != nil {
			return ReadSinceResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ReadSinceResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return ReadSinceResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *SQLiteStore) readByDedupKey(ctx context.Context, key string) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(client_offset, ''), content FROM messages WHERE client_offset = ?`,
		key,
	).Scan(&m.ID, &m.DedupKey, &m.Content)
	if err != nil {
		return Message{}, fmt.Errorf("read duplicate: %w", err)
	}
	return m, nil
}
