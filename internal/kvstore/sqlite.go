package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection  TEXT NOT NULL,
	id          TEXT NOT NULL,
	body        TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// OpenSQLite opens (or creates) a SQLite database for kvstore collections
// and runs migrations. The returned handle is shared by every SQLiteStore
// built on it.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// SQLiteStore is a file-backed Store implementation over a single shared
// SQLite database. Each store instance owns one collection.
type SQLiteStore[T any] struct {
	db         *sql.DB
	collection string
}

// NewSQLite creates a SQLiteStore for the given collection.
func NewSQLite[T any](db *sql.DB, collection string) *SQLiteStore[T] {
	return &SQLiteStore[T]{db: db, collection: collection}
}

// Initialize implements Store. The schema is created by OpenSQLite.
func (s *SQLiteStore[T]) Initialize(context.Context) error { return nil }

// Save implements Store.
func (s *SQLiteStore[T]) Save(ctx context.Context, id string, rec T) error {
	if id == "" {
		return fmt.Errorf("save: empty id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %q: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		s.collection, id, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save record %q: %w", id, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore[T]) Get(ctx context.Context, id string) (T, error) {
	var rec T
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM records WHERE collection = ? AND id = ?`,
		s.collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("get record %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return rec, fmt.Errorf("unmarshal record %q: %w", id, err)
	}
	return rec, nil
}

// Delete implements Store.
func (s *SQLiteStore[T]) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, s.collection, id,
	); err != nil {
		return fmt.Errorf("delete record %q: %w", id, err)
	}
	return nil
}

// ListIDs implements Store.
func (s *SQLiteStore[T]) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM records WHERE collection = ? ORDER BY id ASC`, s.collection,
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
func (s *SQLiteStore[T]) Query(ctx context.Context, opts QueryOptions) ([]T, error) {
	q := `SELECT body FROM records WHERE collection = ? ORDER BY id ASC`
	args := []any{s.collection}
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		q += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		q += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec T
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Exists implements Store.
func (s *SQLiteStore[T]) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ? AND id = ?`,
		s.collection, id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", id, err)
	}
	return n > 0, nil
}

// Count implements Store.
func (s *SQLiteStore[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, s.collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Clear implements Store.
func (s *SQLiteStore[T]) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ?`, s.collection,
	); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	return nil
}

// Close implements Store. The underlying database handle is shared across
// collections, so closing a store is a no-op; close the *sql.DB instead.
func (s *SQLiteStore[T]) Close() error { return nil }
