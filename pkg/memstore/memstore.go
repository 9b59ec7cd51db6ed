// Package memstore implements the column family's in-memory write
// buffer: a skip-list-ordered map keyed by (row, column,
// timestamp-descending).
package memstore

import (
	"sync"

	"github.com/mnohosten/columnstore/pkg/cell"
)

// MemStore is the ordered in-memory buffer of live mutations for one
// column family. Snapshot freezes an immutable view rather than walking
// the live structure, so new writes can continue into a fresh, empty
// MemStore while a flush reads the frozen one out.
type MemStore struct {
	mu    sync.RWMutex
	list  *skipList
	cells int // number of (row,column,timestamp) triples, the flush trigger unit
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{list: newSkipList()}
}

// Insert adds or replaces c. Invariant 1 (at most one cell per
// (row,column,timestamp) triple; most recent write wins) is enforced by
// the underlying skip list's insert-or-replace semantics.
func (m *MemStore) Insert(c cell.Cell) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.list.Size()
	m.list.insert(c)
	if m.list.Size() > before {
		m.cells++
	}
}

// Get returns the exact (row, column, timestamp) triple if present.
func (m *MemStore) Get(row, column []byte, timestamp uint64) (cell.Cell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.search(cell.Cell{Row: row, Column: column, Timestamp: timestamp})
}

// Count returns the number of distinct (row,column,timestamp) triples
// currently held — the quantity compared against the flush threshold.
func (m *MemStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cells
}

// Snapshot returns an immutable, sorted view of every cell currently in
// the MemStore, in cell.Compare order. The returned slice is never
// mutated afterward; callers needing a live store continue to use the
// same *MemStore for new writes (the column family engine is responsible
// for atomically swapping in a new, empty MemStore before handing this
// snapshot off to a flush).
func (m *MemStore) Snapshot() []cell.Cell {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]cell.Cell, 0, m.list.Size())
	for n := m.list.head.forward[0]; n != nil; n = n.forward[0] {
		out = append(out, n.entry)
	}
	return out
}
