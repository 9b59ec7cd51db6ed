// Package compaction implements the background and on-demand merge of a
// column family's SSTable set (and, for a major compaction, its MemStore
// snapshot) into a single new SSTable, applying retention policy to the
// raw, unresolved merge groups produced by pkg/merge.
//
// A compaction opens readers over the selected inputs, streams a merged
// output through a single Writer, and hands the result back to the
// caller for the atomic swap — this package never touches the column
// family's live SSTable set or write lock itself.
package compaction

import (
	"fmt"

	"github.com/mnohosten/columnstore/pkg/cell"
	"github.com/mnohosten/columnstore/pkg/errs"
	"github.com/mnohosten/columnstore/pkg/merge"
	"github.com/mnohosten/columnstore/pkg/sstable"
)

// Type distinguishes a minor compaction (a subset of SSTables) from a
// major one (every SSTable, optionally plus the current MemStore).
type Type int

const (
	// Minor merges a caller-selected subset of SSTables.
	Minor Type = iota
	// Major merges every SSTable, and may also fold in the MemStore.
	Major
)

// Options controls retention during a compaction.
type Options struct {
	Type Type

	// MaxVersions, when non-zero, retains at most this many non-tombstone
	// versions per (row, column).
	MaxVersions int

	// MaxAgeMillis, when non-zero, drops cells older than NowMillis - MaxAgeMillis.
	MaxAgeMillis uint64

	// CleanupTombstones, when true, drops a tombstone whose TTL has
	// expired (NowMillis > T+ttl); during a Major compaction it may also
	// drop a no-TTL tombstone once it has fully shadowed older versions
	// within this merge's own output.
	CleanupTombstones bool

	// NowMillis anchors MaxAgeMillis/CleanupTombstones to a single
	// instant for the whole compaction, read once by the caller.
	NowMillis uint64
}

// Result reports what a compaction produced, for the caller to use when
// performing the atomic swap under the column family's write lock.
type Result struct {
	// OutputPath is the finalized SSTable's path.
	OutputPath string
	// CellsWritten is the number of cells written to the output.
	CellsWritten int
	// InputsConsumed echoes the SSTable readers that were merged, so the
	// caller can remove exactly these from its active set.
	InputsConsumed []*sstable.Reader
	// ConsumedMemStore reports whether the MemStore snapshot passed in
	// was folded into the output (true only for a Major compaction that
	// received a non-empty snapshot).
	ConsumedMemStore bool
}

// Run merges memStoreSnapshot (pass nil for a Minor compaction, or when a
// Major compaction should not fold in the MemStore) and inputs into a new
// SSTable at outputPath, applying opts' retention policy, and returns once
// the output file has been fsynced and closed. The caller is responsible
// for choosing outputPath's ordinal and for the atomic active-set swap
// afterward; Run never mutates caller state.
func Run(memStoreSnapshot []cell.Cell, inputs []*sstable.Reader, outputPath string, opts Options) (*Result, error) {
	rawReader, err := merge.NewRawGroupReader(memStoreSnapshot, inputs)
	if err != nil {
		return nil, err
	}
	defer rawReader.Close()

	w, err := sstable.Create(outputPath)
	if err != nil {
		return nil, err
	}

	written := 0
	for {
		group, ok := rawReader.NextGroup()
		if !ok {
			break
		}
		retained := applyRetention(group, opts)
		for _, c := range retained {
			if err := w.Write(c); err != nil {
				w.Abort()
				return nil, err
			}
			written++
		}
	}
	if err := rawReader.Err(); err != nil {
		w.Abort()
		return nil, err
	}

	if err := w.Finalize(); err != nil {
		return nil, errs.Wrap(errs.KindIO, fmt.Errorf("compaction: finalize %s: %w", outputPath, err))
	}

	return &Result{
		OutputPath:       outputPath,
		CellsWritten:     written,
		InputsConsumed:   inputs,
		ConsumedMemStore: opts.Type == Major && len(memStoreSnapshot) > 0,
	}, nil
}

// applyRetention walks one raw (row,column) group — newest first, tombstones
// included, already deduplicated by pkg/merge — and drops cells per opts.
//
// Tombstone shadowing is applied unconditionally, not just under
// CleanupTombstones: a no-TTL tombstone shadows every older version in
// the group, and a TTL'd tombstone shadows only versions whose timestamp
// falls in (T-ttl, T]. Shadowed cells are dead regardless of compaction
// type and are dropped from the output; CleanupTombstones only governs
// whether the tombstone marker itself can also be dropped once it has
// served its shadow.
func applyRetention(group []cell.Cell, opts Options) []cell.Cell {
	out := make([]cell.Cell, 0, len(group))
	liveVersions := 0

	var tombstoneActive bool
	var tombstoneTS uint64
	var tombstoneHasTTL bool
	var tombstoneTTL uint64

	for _, c := range group {
		if opts.MaxAgeMillis != 0 && opts.NowMillis > opts.MaxAgeMillis && c.Timestamp < opts.NowMillis-opts.MaxAgeMillis {
			continue
		}

		if tombstoneActive {
			shadowed := !tombstoneHasTTL || inTTLWindow(c.Timestamp, tombstoneTS, tombstoneTTL)
			if shadowed {
				continue
			}
			tombstoneActive = false
		}

		if c.IsTombstone() {
			tombstoneActive = true
			tombstoneTS = c.Timestamp
			tombstoneHasTTL = c.HasTTL
			tombstoneTTL = c.TTLMillis

			if opts.CleanupTombstones && c.HasTTL && opts.NowMillis > c.Timestamp+c.TTLMillis {
				continue
			}
			out = append(out, c)
			continue
		}

		if opts.MaxVersions > 0 && liveVersions >= opts.MaxVersions {
			continue
		}
		liveVersions++
		out = append(out, c)
	}

	// A no-TTL tombstone that ends up last in the retained output shadows
	// nothing still present: during a major compaction every SSTable was
	// merged, so no version it could shadow survives outside this output
	// either, and the marker can be dropped.
	if opts.CleanupTombstones && opts.Type == Major && len(out) > 0 {
		last := out[len(out)-1]
		if last.IsTombstone() && !last.HasTTL {
			out = out[:len(out)-1]
		}
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
