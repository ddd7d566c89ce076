// Package chat contains relay's delivery-guarantee core: the durable message
// log, reconnect replay, and the cross-worker broadcast fanout.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL, for multi-host
// deployments where the sqlite file cannot be shared.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - id is a BIGSERIAL: assignment is serialized by the database.
// - The unique constraint on client_offset enforces dedup-key uniqueness;
//   ON CONFLICT DO NOTHING keeps concurrent duplicate appends race-free.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and the messages table if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}

	schema := pgx.Identifier{s.schema}.Sanitize()
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	messages := pgIdent(s.schema, "messages")
	_, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+messages+` (
		     id            BIGSERIAL PRIMARY KEY,
		     client_offset TEXT UNIQUE,
		     content       TEXT NOT NULL
		 )`,
	)
	if err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	return nil
}

// Append stores a message with idempotency and monotonic id allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("chat: nil store")
	}
	if in.Content == "" {
		return AppendResult{}, errors.New("empty content")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	messages := pgIdent(s.schema, "messages")

	if in.DedupKey == "" {
		var id int64
		err := s.pool.QueryRow(ctx,
			`INSERT INTO `+messages+` (client_offset, content) VALUES (NULL, $1) RETURNING id`,
			in.Content,
		).Scan(&id)
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert message: %w", err)
		}
		return AppendResult{Stored: Message{ID: id, Content: in.Content}}, nil
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (client_offset, content) VALUES ($1, $2)
		 ON CONFLICT (client_offset) DO NOTHING
		 RETURNING id`,
		in.DedupKey, in.Content,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, rerr := s.readByDedupKey(ctx, messages, in.DedupKey)
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
func (s *PostgresStore) ReadSince(ctx context.Context, in ReadSinceInput) (ReadSinceResult, error) {
	if s == nil || s.pool == nil {
		return ReadSinceResult{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return ReadSinceResult{}, err
	}

	limit := clampReadLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(client_offset, ''), content
		   FROM `+messages+`
		  WHERE id > $1
		  ORDER BY id ASC
		  LIMIT $2`,
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

func (s *PostgresStore) readByDedupKey(ctx context.Context, messagesTable, key string) (Message, error) {
	var m Message
	err := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(client_offset, ''), content FROM `+messagesTable+` WHERE client_offset = $1`,
		key,
	).Scan(&m.ID, &m.DedupKey, &m.Content)
	if err != nil {
		return Message{}, fmt.Errorf("read duplicate: %w", err)
	}
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
