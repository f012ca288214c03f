package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection  TEXT NOT NULL,
	id          TEXT NOT NULL,
	body        JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// PostgresStore is a Store implementation over a shared PostgreSQL pool.
// Each store instance owns one collection.
type PostgresStore[T any] struct {
	pool       *pgxpool.Pool
	collection string
}

// NewPostgres creates a PostgresStore for the given collection.
func NewPostgres[T any](pool *pgxpool.Pool, collection string) *PostgresStore[T] {
	return &PostgresStore[T]{pool: pool, collection: collection}
}

// Initialize implements Store. Idempotent.
func (s *PostgresStore[T]) Initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create records schema: %w", err)
	}
	return nil
}

// Save implements Store.
func (s *PostgresStore[T]) Save(ctx context.Context, id string, rec T) error {
	if id == "" {
		return fmt.Errorf("save: empty id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %q: %w", id, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (collection, id, body, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		s.collection, id, body, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save record %q: %w", id, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore[T]) Get(ctx context.Context, id string) (T, error) {
	var rec T
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM records WHERE collection = $1 AND id = $2`,
		s.collection, id,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("get record %q: %w", id, err)
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal record %q: %w", id, err)
	}
	return rec, nil
}

// Delete implements Store.
func (s *PostgresStore[T]) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE collection = $1 AND id = $2`, s.collection, id,
	); err != nil {
		return fmt.Errorf("delete record %q: %w", id, err)
	}
	return nil
}

// ListIDs implements Store.
func (s *PostgresStore[T]) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM records WHERE collection = $1 ORDER BY id ASC`, s.collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Query implements Store.
func (s *PostgresStore[T]) Query(ctx context.Context, opts QueryOptions) ([]T, error) {
	q := `SELECT body FROM records WHERE collection = $1 ORDER BY id ASC`
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.pool.Query(ctx, q, s.collection)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec T
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Exists implements Store.
func (s *PostgresStore[T]) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = $1 AND id = $2`,
		s.collection, id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", id, err)
	}
	return n > 0, nil
}

// Count implements Store.
func (s *PostgresStore[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = $1`, s.collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Clear implements Store.
func (s *PostgresStore[T]) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE collection = $1`, s.collection,
	); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	return nil
}

// Close implements Store. The pool is shared; close it from main.
func (s *PostgresStore[T]) Close() error { return nil }
