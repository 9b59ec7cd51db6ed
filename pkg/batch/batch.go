// Package batch implements the ordered-op builder for an atomic-per-CF
// write batch: a caller accumulates put/delete/delete_with_ttl
// operations, then hands the batch to a column family engine for
// execution as a single WAL-fsync unit. A batch is an ordered op list,
// not a transaction — it carries no reads and no savepoints.
package batch

// Kind names a batch operation.
type Kind int

const (
	Put Kind = iota
	Delete
	DeleteWithTTL
)

// Op is one pending mutation in a Batch.
type Op struct {
	Kind      Kind
	Row       []byte
	Column    []byte
	Value     []byte // set for Put
	TTLMillis uint64 // set for DeleteWithTTL
}

// Batch accumulates an ordered list of put/delete/delete_with_ttl
// operations for later atomic execution against one column family.
type Batch struct {
	ops []Op
}

// New returns an empty batch.
func New() *Batch { return &Batch{} }

// Put appends a put operation.
func (b *Batch) Put(row, column, value []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: Put, Row: row, Column: column, Value: value})
	return b
}

// Delete appends a no-TTL delete operation.
func (b *Batch) Delete(row, column []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: Delete, Row: row, Column: column})
	return b
}

// DeleteWithTTL appends a TTL'd delete operation.
func (b *Batch) DeleteWithTTL(row, column []byte, ttlMillis uint64) *Batch {
	b.ops = append(b.ops, Op{Kind: DeleteWithTTL, Row: row, Column: column, TTLMillis: ttlMillis})
	return b
}

// Ops returns the accumulated operations in insertion order. The batch
// is not atomic across column families — a caller with ops destined for
// more than one CF must split them before execution.
func (b *Batch) Ops() []Op { return b.ops }

// Len returns the number of accumulated operations.
func (b *Batch) Len() int { return len(b.ops) }
