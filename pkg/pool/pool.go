// Package pool implements a connection pool of table handles. A single
// on-disk table may only be opened once per process (pkg/table takes an
// advisory lock), so the pool does not open N separate *table.Table
// instances — it hands out N reusable front-end handles that all share
// the one underlying *table.Table, which the column family engine's own
// locking already makes safe for concurrent callers.
package pool

import (
	"sync"

	"github.com/mnohosten/columnstore/pkg/cf"
	"github.com/mnohosten/columnstore/pkg/table"
)

// Pool hands out reusable Handle values backed by one shared
// *table.Table.
type Pool struct {
	tbl  *table.Table
	pool sync.Pool
}

// New creates a pool of handles over tbl. The pool does not own tbl's
// lifecycle; the caller is responsible for closing tbl once every
// handle is done with it.
func New(tbl *table.Table) *Pool {
	p := &Pool{tbl: tbl}
	p.pool.New = func() interface{} {
		return &Handle{tbl: tbl}
	}
	return p
}

// Get retrieves a Handle from the pool, creating one if none is idle.
func (p *Pool) Get() *Handle {
	h := p.pool.Get().(*Handle)
	h.pool = p
	return h
}

// Put returns a Handle to the pool after resetting it for reuse.
func (p *Pool) Put(h *Handle) {
	if h == nil {
		return
	}
	h.pool = nil
	p.pool.Put(h)
}

// Handle is a pooled front-end onto the shared table. It exists so
// callers have a per-checkout object to hold (and return), without
// implying a separate underlying table connection — there is exactly
// one, shared safely through the column family engine's own locking.
type Handle struct {
	pool *Pool
	tbl  *table.Table
}

// ColumnFamily returns the named column family's engine from the
// shared table.
func (h *Handle) ColumnFamily(name string) (*cf.Engine, error) {
	return h.tbl.ColumnFamily(name)
}

// WithHandle checks out a Handle, runs fn, and always returns the
// handle to the pool afterward.
func WithHandle(p *Pool, fn func(h *Handle) error) error {
	h := p.Get()
	defer p.Put(h)
	return fn(h)
}
