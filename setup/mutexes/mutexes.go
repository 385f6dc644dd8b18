// Package mutexes implements the per-room named mutex table described in
// spec.md §9: a dynamic map of async mutexes where the entry for a room
// is created lazily and reference-counted so unused rooms release their
// entry instead of leaking forever.
package mutexes

import "sync"

// Table hands out one *sync.Mutex per key, reference-counted so that
// once the last holder releases it the entry is removed from the map.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	refCount int
}

// NewTable constructs an empty mutex table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock blocks until the named mutex for key is acquired, and returns an
// Unlocker that must be called exactly once to release it.
//
// All state-mutating room paths (join/leave/invite/kick/ban/local
// append) acquire this lock across read-current-state -> decide ->
// append (spec.md §5 "per-room serialization"); readers never take it.
func (t *Table) Lock(key string) *Unlocker {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refCount++
	t.mu.Unlock()

	e.mu.Lock()

	return &Unlocker{table: t, key: key, entry: e}
}

// Unlocker releases a previously acquired named mutex exactly once.
type Unlocker struct {
	table *Table
	key   string
	entry *entry
	done  bool
}

// Unlock releases the lock and, if this was the last holder, removes
// the table's entry for the key so the map does not grow unboundedly
// over the lifetime of a server that has seen many rooms.
func (u *Unlocker) Unlock() {
	if u.done {
		return
	}
	u.done = true

	u.entry.mu.Unlock()

	u.table.mu.Lock()
	u.entry.refCount--
	if u.entry.refCount == 0 {
		delete(u.table.entries, u.key)
	}
	u.table.mu.Unlock()
}
