// Package kvstore defines the pluggable persistence contract the governance
// core stores its records through. The core never assumes a specific
// backend; memory, SQLite, and Postgres implementations ship here and
// further backends only need to satisfy Store.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup finds no record for the given id.
var ErrNotFound = errors.New("record not found")

// QueryOptions controls pagination of Query results. Records are returned
// ordered by id so pagination is stable across calls.
type QueryOptions struct {
	Limit  int // 0 means no limit
	Offset int
}

// Store is a key/value persistence adapter for a single collection of
// JSON-serializable records. Implementations must be safe for concurrent
// use; Save must be atomic per key.
type Store[T any] interface {
	// Initialize prepares backend resources (schema, files). Idempotent.
	Initialize(ctx context.Context) error

	// Save writes the record under id, replacing any previous value.
	Save(ctx context.Context, id string, rec T) error

	// Get returns the record stored under id, or ErrNotFound.
	Get(ctx context.Context, id string) (T, error)

	// Delete removes the record under id. Deleting a missing id is a no-op.
	Delete(ctx context.Context, id string) error

	// ListIDs returns all record ids in the collection, sorted.
	ListIDs(ctx context.Context) ([]string, error)

	// Query returns records ordered by id, honoring pagination.
	Query(ctx context.Context, opts QueryOptions) ([]T, error)

	// Exists reports whether a record is stored under id.
	Exists(ctx context.Context, id string) (bool, error)

	// Count returns the number of records in the collection.
	Count(ctx context.Context) (int, error)

	// Clear removes every record in the collection.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
