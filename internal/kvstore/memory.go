package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation. Records are kept as
// JSON blobs so Get returns an independent copy, matching the round-trip
// behavior of the durable backends.
type MemoryStore[T any] struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemory creates an empty MemoryStore.
func NewMemory[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{records: make(map[string][]byte)}
}

// Initialize implements Store.
func (s *MemoryStore[T]) Initialize(context.Context) error { return nil }

// Save implements Store.
func (s *MemoryStore[T]) Save(_ context.Context, id string, rec T) error {
	if id == "" {
		return fmt.Errorf("save: empty id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %q: %w", id, err)
	}
	s.mu.Lock()
	s.records[id] = body
	s.mu.Unlock()
	return nil
}

// Get implements Store.
func (s *MemoryStore[T]) Get(_ context.Context, id string) (T, error) {
	var rec T
	s.mu.RLock()
	body, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return rec, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal record %q: %w", id, err)
	}
	return rec, nil
}

// Delete implements Store.
func (s *MemoryStore[T]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// ListIDs implements Store.
func (s *MemoryStore[T]) ListIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// Query implements Store.
func (s *MemoryStore[T]) Query(ctx context.Context, opts QueryOptions) ([]T, error) {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(ids) {
			ids = nil
		} else {
			ids = ids[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Exists implements Store.
func (s *MemoryStore[T]) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	_, ok := s.records[id]
	s.mu.RUnlock()
	return ok, nil
}

// Count implements Store.
func (s *MemoryStore[T]) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Clear implements Store.
func (s *MemoryStore[T]) Clear(context.Context) error {
	s.mu.Lock()
	s.records = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *MemoryStore[T]) Close() error { return nil }
