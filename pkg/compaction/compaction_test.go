package compaction

import (
	"path/filepath"
	"testing"

	"github.com/mnohosten/columnstore/pkg/cell"
	"github.com/mnohosten/columnstore/pkg/sstable"
)

func buildSSTable(t *testing.T, dir, name string, ordinal int, cells []cell.Cell) *sstable.Reader {
	t.Helper()
	path := filepath.Join(dir, name)
	w, err := sstable.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, c := range cells {
		if err := w.Write(c); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	r, err := sstable.Open(path, ordinal)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return r
}

func readAllGroups(t *testing.T, r *sstable.Reader) []cell.Cell {
	t.Helper()
	it, err := r.Iterator()
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	defer it.Close()
	var out []cell.Cell
	for it.Next() {
		out = append(out, it.Cell())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration error: %v", err)
	}
	return out
}

func TestMinorCompactionPreservesAllRetainedVersions(t *testing.T) {
	dir := t.TempDir()
	a := buildSSTable(t, dir, "a.db", 1, []cell.Cell{
		cell.NewValue([]byte("r"), []byte("c"), 10, []byte("v10")),
	})
	b := buildSSTable(t, dir, "b.db", 2, []cell.Cell{
		cell.NewValue([]byte("r"), []byte("c"), 20, []byte("v20")),
	})

	out := filepath.Join(dir, "merged.db")
	res, err := Run(nil, []*sstable.Reader{b, a}, out, Options{Type: Minor})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CellsWritten != 2 {
		t.Fatalf("expected 2 cells written, got %d", res.CellsWritten)
	}

	r, err := sstable.Open(out, 3)
	if err != nil {
		t.Fatalf("open merged: %v", err)
	}
	got := readAllGroups(t, r)
	if len(got) != 2 || string(got[0].Value) != "v20" || string(got[1].Value) != "v10" {
		t.Fatalf("unexpected merged content: %+v", got)
	}
}

func TestMajorCompactionDropsTrailingNoTTLTombstone(t *testing.T) {
	dir := t.TempDir()
	sst := buildSSTable(t, dir, "a.db", 1, []cell.Cell{
		cell.NewTombstone([]byte("r"), []byte("c"), 20),
		cell.NewValue([]byte("r"), []byte("c"), 10, []byte("old")),
	})

	out := filepath.Join(dir, "merged.db")
	res, err := Run(nil, []*sstable.Reader{sst}, out, Options{
		Type:              Major,
		CleanupTombstones: true,
		NowMillis:         1000,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CellsWritten != 0 {
		t.Fatalf("expected tombstone+shadowed value both dropped, got %d cells", res.CellsWritten)
	}
}

func TestMinorCompactionPreservesTombstoneEvenWhenTrailing(t *testing.T) {
	dir := t.TempDir()
	sst := buildSSTable(t, dir, "a.db", 1, []cell.Cell{
		cell.NewTombstone([]byte("r"), []byte("c"), 20),
	})

	out := filepath.Join(dir, "merged.db")
	res, err := Run(nil, []*sstable.Reader{sst}, out, Options{
		Type:              Minor,
		CleanupTombstones: true,
		NowMillis:         1000,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CellsWritten != 1 {
		t.Fatalf("expected tombstone preserved during minor compaction, got %d cells", res.CellsWritten)
	}
}

func TestExpiredTTLTombstoneIsDropped(t *testing.T) {
	dir := t.TempDir()
	sst := buildSSTable(t, dir, "a.db", 1, []cell.Cell{
		cell.NewTombstoneTTL([]byte("r"), []byte("c"), 100, 50), // expires at 150
	})

	out := filepath.Join(dir, "merged.db")
	res, err := Run(nil, []*sstable.Reader{sst}, out, Options{
		Type:              Minor,
		CleanupTombstones: true,
		NowMillis:         200, // well past expiry
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CellsWritten != 0 {
		t.Fatalf("expected expired TTL tombstone dropped, got %d cells", res.CellsWritten)
	}
}

func TestMaxVersionsCapDuringCompaction(t *testing.T) {
	dir := t.TempDir()
	sst := buildSSTable(t, dir, "a.db", 1, []cell.Cell{
		cell.NewValue([]byte("r"), []byte("c"), 3, []byte("v3")),
		cell.NewValue([]byte("r"), []byte("c"), 2, []byte("v2")),
		cell.NewValue([]byte("r"), []byte("c"), 1, []byte("v1")),
	})

	out := filepath.Join(dir, "merged.db")
	res, err := Run(nil, []*sstable.Reader{sst}, out, Options{Type: Major, MaxVersions: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CellsWritten != 2 {
		t.Fatalf("expected 2 retained versions, got %d", res.CellsWritten)
	}
}

func TestMaxAgeDropsStaleCells(t *testing.T) {
	dir := t.TempDir()
	sst := buildSSTable(t, dir, "a.db", 1, []cell.Cell{
		cell.NewValue([]byte("r"), []byte("c"), 1000, []byte("fresh")),
		cell.NewValue([]byte("r"), []byte("c"), 10, []byte("ancient")),
	})

	out := filepath.Join(dir, "merged.db")
	res, err := Run(nil, []*sstable.Reader{sst}, out, Options{Type: Major, MaxAgeMillis: 500, NowMillis: 1000})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CellsWritten != 1 {
		t.Fatalf("expected 1 cell retained after max_age filter, got %d", res.CellsWritten)
	}

	r, err := sstable.Open(out, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got := readAllGroups(t, r)
	if len(got) != 1 || string(got[0].Value) != "fresh" {
		t.Fatalf("unexpected content: %+v", got)
	}
}

func TestMajorCompactionFoldsInMemStoreSnapshot(t *testing.T) {
	dir := t.TempDir()
	sst := buildSSTable(t, dir, "a.db", 1, []cell.Cell{
		cell.NewValue([]byte("r"), []byte("c"), 1, []byte("from-sstable")),
	})
	memSnapshot := []cell.Cell{
		cell.NewValue([]byte("r"), []byte("c"), 2, []byte("from-memstore")),
	}

	out := filepath.Join(dir, "merged.db")
	res, err := Run(memSnapshot, []*sstable.Reader{sst}, out, Options{Type: Major})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.ConsumedMemStore {
		t.Fatal("expected ConsumedMemStore to be true")
	}
	if res.CellsWritten != 2 {
		t.Fatalf("expected 2 cells, got %d", res.CellsWritten)
	}
}

func TestRunUsesTotalOrder(t *testing.T) {
	dir := t.TempDir()
	older := buildSSTable(t, dir, "a.db", 1, []cell.Cell{
		cell.NewValue([]byte("b"), []byte("x"), 1, []byte("b-x")),
	})
	newer := buildSSTable(t, dir, "b.db", 2, []cell.Cell{
		cell.NewValue([]byte("a"), []byte("x"), 1, []byte("a-x")),
	})

	out := filepath.Join(dir, "merged.db")
	if _, err := Run(nil, []*sstable.Reader{newer, older}, out, Options{Type: Minor}); err != nil {
		t.Fatalf("run: %v", err)
	}

	r, err := sstable.Open(out, 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got := readAllGroups(t, r)
	if len(got) != 2 || string(got[0].Row) != "a" || string(got[1].Row) != "b" {
		t.Fatalf("expected ascending row order, got %+v", got)
	}
}
