package merge

import (
	"path/filepath"
	"testing"

	"github.com/mnohosten/columnstore/pkg/cell"
	"github.com/mnohosten/columnstore/pkg/sstable"
)

func buildSSTable(t *testing.T, dir string, ordinal int, cells []cell.Cell) *sstable.Reader {
	t.Helper()
	path := filepath.Join(dir, "sstable.db")
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

func collect(t *testing.T, r *Reader) []cell.Cell {
	t.Helper()
	var out []cell.Cell
	for r.Next() {
		out = append(out, r.Cell())
	}
	if err := r.Err(); err != nil {
		t.Fatalf("merge error: %v", err)
	}
	return out
}

func TestMemStoreWinsOverSSTable(t *testing.T) {
	dir := t.TempDir()
	sst := buildSSTable(t, dir, 1, []cell.Cell{cell.NewValue([]byte("r"), []byte("c"), 1, []byte("old"))})

	memSnapshot := []cell.Cell{cell.NewValue([]byte("r"), []byte("c"), 2, []byte("new"))}

	r, err := New(memSnapshot, []*sstable.Reader{sst}, 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got := collect(t, r)
	if len(got) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(got))
	}
	if string(got[0].Value) != "new" || string(got[1].Value) != "old" {
		t.Fatalf("expected newest-first order, got %+v", got)
	}
}

func TestHigherOrdinalWinsOnTimestampTie(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	older := buildSSTable(t, dir1, 1, []cell.Cell{cell.NewValue([]byte("r"), []byte("c"), 5, []byte("older-file"))})
	newer := buildSSTable(t, dir2, 2, []cell.Cell{cell.NewValue([]byte("r"), []byte("c"), 5, []byte("newer-file"))})

	r, err := New(nil, []*sstable.Reader{newer, older}, 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got := collect(t, r)
	if len(got) != 1 {
		t.Fatalf("expected 1 deduplicated version, got %d", len(got))
	}
	if string(got[0].Value) != "newer-file" {
		t.Fatalf("expected higher-ordinal SSTable to win, got %q", got[0].Value)
	}
}

func TestTombstoneNoTTLShadowsAllOlder(t *testing.T) {
	mem := []cell.Cell{
		cell.NewTombstone([]byte("r"), []byte("c"), 30),
		cell.NewValue([]byte("r"), []byte("c"), 20, []byte("v20")),
		cell.NewValue([]byte("r"), []byte("c"), 10, []byte("v10")),
	}
	r, err := New(mem, nil, 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got := collect(t, r)
	if len(got) != 0 {
		t.Fatalf("expected tombstone to hide all older versions, got %+v", got)
	}
}

func TestTombstoneWithTTLShadowsOnlyWindow(t *testing.T) {
	mem := []cell.Cell{
		cell.NewTombstoneTTL([]byte("r"), []byte("c"), 100, 50), // shadows (50,100]
		cell.NewValue([]byte("r"), []byte("c"), 80, []byte("in-window")),
		cell.NewValue([]byte("r"), []byte("c"), 50, []byte("at-boundary")), // ts == T-ttl: visible
		cell.NewValue([]byte("r"), []byte("c"), 10, []byte("old-visible")),
	}
	r, err := New(mem, nil, 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got := collect(t, r)
	if len(got) != 2 {
		t.Fatalf("expected 2 visible versions, got %+v", got)
	}
	if string(got[0].Value) != "at-boundary" || string(got[1].Value) != "old-visible" {
		t.Fatalf("unexpected visible values: %+v", got)
	}
}

func TestMaxVersionsCap(t *testing.T) {
	mem := []cell.Cell{
		cell.NewValue([]byte("r"), []byte("c"), 3, []byte("v3")),
		cell.NewValue([]byte("r"), []byte("c"), 2, []byte("v2")),
		cell.NewValue([]byte("r"), []byte("c"), 1, []byte("v1")),
	}
	r, err := New(mem, nil, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got := collect(t, r)
	if len(got) != 1 {
		t.Fatalf("expected 1 version with max_versions=1, got %d", len(got))
	}
	if string(got[0].Value) != "v3" {
		t.Fatalf("expected latest version v3, got %q", got[0].Value)
	}
}

func TestMultipleColumnsAndRowsInOrder(t *testing.T) {
	mem := []cell.Cell{
		cell.NewValue([]byte("a"), []byte("x"), 1, []byte("a-x")),
		cell.NewValue([]byte("a"), []byte("y"), 1, []byte("a-y")),
		cell.NewValue([]byte("b"), []byte("x"), 1, []byte("b-x")),
	}
	r, err := New(mem, nil, 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got := collect(t, r)
	if len(got) != 3 {
		t.Fatalf("expected 3 cells, got %d", len(got))
	}
	order := []string{"a-x", "a-y", "b-x"}
	for i, want := range order {
		if string(got[i].Value) != want {
			t.Fatalf("position %d: got %q want %q (full: %+v)", i, got[i].Value, want, got)
		}
	}
}
