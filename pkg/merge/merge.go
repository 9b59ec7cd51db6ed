// Package merge implements the k-way merge across a MemStore snapshot and
// the column family's SSTable readers, applying the per-(row,column)
// visibility rules of the read path: MemStore as the newest source, newer
// SSTable ordinal over older, tombstone shadowing (plain or TTL'd), and
// a max-versions cap per group.
package merge

import (
	"github.com/mnohosten/columnstore/pkg/cell"
	"github.com/mnohosten/columnstore/pkg/sstable"
)

// Source identifies where a cell in the merge came from, used to break
// ties on identical timestamps: MemStore beats any SSTable, and a higher
// SSTable ordinal beats a lower one.
type Source struct {
	// MemStore is true for cells coming from the live write buffer.
	MemStore bool
	// Ordinal is the SSTable's creation ordinal; meaningless when MemStore is true.
	Ordinal int
}

// higherPriority reports whether a has priority over b when both carry
// the same timestamp for the same (row,column).
func higherPriority(a, b Source) bool {
	if a.MemStore != b.MemStore {
		return a.MemStore
	}
	return a.Ordinal > b.Ordinal
}

// taggedCell pairs a cell with the source it was read from, for the k-way
// merge's tie-breaking.
type taggedCell struct {
	c      cell.Cell
	source Source
}

// laneIterator is the minimal interface the merge needs from either a
// frozen MemStore snapshot or an SSTable iterator.
type laneIterator interface {
	next() (cell.Cell, bool)
}

type sliceLane struct {
	cells []cell.Cell
	pos   int
}

func (s *sliceLane) next() (cell.Cell, bool) {
	if s.pos >= len(s.cells) {
		return cell.Cell{}, false
	}
	c := s.cells[s.pos]
	s.pos++
	return c, true
}

type sstableLane struct {
	it  *sstable.Iterator
	err error
}

func (s *sstableLane) next() (cell.Cell, bool) {
	if s.it.Next() {
		return s.it.Cell(), true
	}
	s.err = s.it.Err()
	return cell.Cell{}, false
}

// lane bundles a laneIterator with the Source tag it feeds into the merge.
type lane struct {
	iter    laneIterator
	source  Source
	current cell.Cell
	valid   bool
}

// groupCursor drives the shared k-way merge machinery: it walks every
// lane in lockstep and, on each call to nextGroup, hands back every cell
// belonging to the next (row,column) group in ascending order, already
// deduplicated by timestamp (newest-priority source wins identical
// timestamps) but with NO tombstone-shadowing or version-capping applied.
// Reader layers the read-path resolution on top; the compaction package
// consumes raw groups directly, since a compaction must see every
// retained version, including tombstones, to apply its own retention
// policy.
type groupCursor struct {
	lanes []*lane
	err   error
}

func newGroupCursor(memStoreSnapshot []cell.Cell, sstables []*sstable.Reader) (*groupCursor, error) {
	lanes := make([]*lane, 0, len(sstables)+1)

	if len(memStoreSnapshot) > 0 {
		lanes = append(lanes, &lane{iter: &sliceLane{cells: memStoreSnapshot}, source: Source{MemStore: true}})
	}
	for _, s := range sstables {
		it, err := s.Iterator()
		if err != nil {
			return nil, err
		}
		lanes = append(lanes, &lane{iter: &sstableLane{it: it}, source: Source{Ordinal: s.Ordinal}})
	}

	gc := &groupCursor{lanes: lanes}
	for _, l := range lanes {
		l.current, l.valid = l.iter.next()
	}
	return gc, nil
}

func (gc *groupCursor) close() error {
	var firstErr error
	for _, l := range gc.lanes {
		if sl, ok := l.iter.(*sstableLane); ok {
			if err := sl.it.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// nextGroup returns the deduplicated, descending-timestamp-ordered cells
// for the next (row,column) group, or false when every lane is exhausted.
func (gc *groupCursor) nextGroup() ([]taggedCell, bool) {
	var minRow, minCol []byte
	found := false
	for _, l := range gc.lanes {
		if !l.valid {
			continue
		}
		if !found || lessRowCol(l.current.Row, l.current.Column, minRow, minCol) {
			minRow, minCol = l.current.Row, l.current.Column
			found = true
		}
	}
	if !found {
		for _, l := range gc.lanes {
			if sl, ok := l.iter.(*sstableLane); ok && sl.err != nil {
				gc.err = sl.err
			}
		}
		return nil, false
	}

	var group []taggedCell
	for _, l := range gc.lanes {
		for l.valid && cell.SameColumn(l.current, cell.Cell{Row: minRow, Column: minCol}) {
			group = append(group, taggedCell{c: l.current, source: l.source})
			l.current, l.valid = l.iter.next()
		}
	}

	sortGroup(group)
	return dedupGroup(group), true
}

// dedupGroup drops lower-priority duplicates sharing a timestamp, leaving
// at most one cell per distinct timestamp, highest priority source wins.
// group must already be sorted by sortGroup.
func dedupGroup(group []taggedCell) []taggedCell {
	out := group[:0]
	var lastTimestamp uint64
	haveLast := false
	for _, tc := range group {
		if haveLast && tc.c.Timestamp == lastTimestamp {
			continue
		}
		haveLast = true
		lastTimestamp = tc.c.Timestamp
		out = append(out, tc)
	}
	return out
}

// Reader performs the k-way merge over one column family's current view
// (a MemStore snapshot plus its SSTable set, newest ordinal first) and
// exposes it as a single forward cursor in cell.Compare order, with
// tombstone shadowing and the max-versions cap already applied.
type Reader struct {
	cursor      *groupCursor
	maxVersions int

	emitBuf   []cell.Cell // resolved cells ready to hand out
	emitPos   int
	exhausted bool
}

// New builds a merged reader over memStoreSnapshot (already sorted, as
// produced by memstore.MemStore.Snapshot) and sstables, which must be
// ordered newest-ordinal first. maxVersions bounds how many live versions
// are emitted per (row,column) group; pass 0 for unlimited.
func New(memStoreSnapshot []cell.Cell, sstables []*sstable.Reader, maxVersions int) (*Reader, error) {
	cursor, err := newGroupCursor(memStoreSnapshot, sstables)
	if err != nil {
		return nil, err
	}
	return &Reader{cursor: cursor, maxVersions: maxVersions}, nil
}

// Close releases any open SSTable iterators.
func (r *Reader) Close() error { return r.cursor.close() }

// Err returns any error encountered while reading an underlying SSTable.
func (r *Reader) Err() error { return r.cursor.err }

// Next advances to the next resolved, visible cell. It returns false when
// the merge is exhausted or an error occurred (check Err()).
func (r *Reader) Next() bool {
	for {
		if r.emitPos < len(r.emitBuf) {
			return true
		}
		if r.exhausted {
			return false
		}
		group, ok := r.cursor.nextGroup()
		if !ok {
			r.exhausted = true
			return false
		}
		r.emitBuf = applyVisibility(group, r.maxVersions)
		r.emitPos = 0
	}
}

// Cell returns the current resolved cell. Valid only after Next returns true.
func (r *Reader) Cell() cell.Cell {
	c := r.emitBuf[r.emitPos]
	r.emitPos++
	return c
}

// RawGroupReader exposes the deduplicated, unresolved per-(row,column)
// groups — tombstones included, no version cap — for the compaction
// package's retention pass, which must decide for itself which versions
// and markers survive.
type RawGroupReader struct {
	cursor *groupCursor
}

// NewRawGroupReader builds a raw group reader over the given inputs.
func NewRawGroupReader(memStoreSnapshot []cell.Cell, sstables []*sstable.Reader) (*RawGroupReader, error) {
	cursor, err := newGroupCursor(memStoreSnapshot, sstables)
	if err != nil {
		return nil, err
	}
	return &RawGroupReader{cursor: cursor}, nil
}

// Close releases any open SSTable iterators.
func (r *RawGroupReader) Close() error { return r.cursor.close() }

// Err returns any error encountered while reading an underlying SSTable.
func (r *RawGroupReader) Err() error { return r.cursor.err }

// NextGroup returns every retained cell (newest first, tombstones
// included) for the next (row,column) group, or false when exhausted.
func (r *RawGroupReader) NextGroup() ([]cell.Cell, bool) {
	tagged, ok := r.cursor.nextGroup()
	if !ok {
		return nil, false
	}
	out := make([]cell.Cell, len(tagged))
	for i, tc := range tagged {
		out[i] = tc.c
	}
	return out, true
}

func lessRowCol(row, col, otherRow, otherCol []byte) bool {
	c := compareBytes(row, otherRow)
	if c != 0 {
		return c < 0
	}
	return compareBytes(col, otherCol) < 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// applyVisibility applies the per-(row,column) resolution
// (tombstone shadowing and the max-versions cap) to an already
// deduplicated, descending-timestamp-ordered group and returns the
// visible, live versions.
func applyVisibility(group []taggedCell, maxVersions int) []cell.Cell {
	if len(group) == 0 {
		return nil
	}

	out := make([]cell.Cell, 0, len(group))
	var tombstoneActive bool
	var tombstoneTS uint64
	var tombstoneHasTTL bool
	var tombstoneTTL uint64

	for _, tc := range group {
		if tombstoneActive {
			shadowed := !tombstoneHasTTL || inTTLWindow(tc.c.Timestamp, tombstoneTS, tombstoneTTL)
			if shadowed {
				if tc.c.IsTombstone() {
					// A second tombstone within the shadow window: keep the
					// newer one's shadow in effect (no-op, already active).
					continue
				}
				continue
			}
			// Outside the TTL shadow window: the tombstone no longer applies.
			tombstoneActive = false
		}

		if tc.c.IsTombstone() {
			tombstoneActive = true
			tombstoneTS = tc.c.Timestamp
			tombstoneHasTTL = tc.c.HasTTL
			tombstoneTTL = tc.c.TTLMillis
			continue
		}

		if maxVersions > 0 && len(out) >= maxVersions {
			continue
		}
		out = append(out, tc.c)
	}
	return out
}

// inTTLWindow reports whether ts falls in (tombstoneTS - ttl, tombstoneTS],
// the window a TTL'd tombstone shadows.
func inTTLWindow(ts, tombstoneTS, ttl uint64) bool {
	if ts > tombstoneTS {
		return false
	}
	lowerBoundExclusive := int64(tombstoneTS) - int64(ttl)
	return int64(ts) > lowerBoundExclusive
}

func sortGroup(group []taggedCell) {
	// Small groups dominate (few versions per column); simple insertion
	// sort keeps this merge-hot path allocation-free.
	for i := 1; i < len(group); i++ {
		j := i
		for j > 0 && groupLess(group[j], group[j-1]) {
			group[j], group[j-1] = group[j-1], group[j]
			j--
		}
	}
}

func groupLess(a, b taggedCell) bool {
	if a.c.Timestamp != b.c.Timestamp {
		return a.c.Timestamp > b.c.Timestamp // descending timestamp
	}
	return higherPriority(a.source, b.source)
}
