// Package keyedmutex provides per-key mutual exclusion, used to serialize
// read-modify-write cycles for a single entity while leaving different
// entities free to proceed in parallel.
package keyedmutex

import "sync"

// M is a set of named mutexes. The zero value is not usable; call New.
type M struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty keyed mutex set.
func New() *M {
	return &M{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking until it is available.
func (m *M) Lock(key string) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. The entry is dropped once no goroutine
// holds or waits on it, so the map does not grow with the entity universe.
func (m *M) Unlock(key string) {
	m.mu.Lock()
	e := m.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}
