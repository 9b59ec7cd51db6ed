package sstable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mnohosten/columnstore/pkg/cell"
	"github.com/mnohosten/columnstore/pkg/errs"
)

func writeSSTable(t *testing.T, path string, cells []cell.Cell) *Reader {
	t.Helper()
	w, err := Create(path)
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
	r, err := Open(path, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return r
}

func TestWriteThenIterateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cells := []cell.Cell{
		cell.NewValue([]byte("a"), []byte("c"), 10, []byte("1")),
		cell.NewValue([]byte("a"), []byte("c"), 5, []byte("2")),
		cell.NewValue([]byte("b"), []byte("c"), 1, []byte("3")),
	}
	r := writeSSTable(t, filepath.Join(dir, "sstable_1.db"), cells)

	if r.CellCount != len(cells) {
		t.Fatalf("expected %d cells, got %d", len(cells), r.CellCount)
	}

	it, err := r.Iterator()
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	defer it.Close()

	var got []cell.Cell
	for it.Next() {
		got = append(got, it.Cell())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration error: %v", err)
	}
	if len(got) != len(cells) {
		t.Fatalf("expected %d cells from iterator, got %d", len(cells), len(got))
	}
	for i := range cells {
		if string(got[i].Value) != string(cells[i].Value) {
			t.Fatalf("cell %d mismatch: got %q want %q", i, got[i].Value, cells[i].Value)
		}
	}
}

func TestWriteOutOfOrderIsRejected(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "sstable_1.db"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write(cell.NewValue([]byte("b"), []byte("c"), 1, []byte("1"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = w.Write(cell.NewValue([]byte("a"), []byte("c"), 1, []byte("2")))
	if err == nil {
		t.Fatal("expected out-of-order write to fail")
	}
	if errs.KindOf(err) != errs.KindCorrupt {
		t.Fatalf("expected KindCorrupt, got %v", errs.KindOf(err))
	}
	w.Abort()
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.db")
	if err := os.WriteFile(path, []byte("not-an-sstable-file-at-all!!"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Open(path, 1)
	if err == nil {
		t.Fatal("expected error opening corrupt file")
	}
	if errs.KindOf(err) != errs.KindCorrupt {
		t.Fatalf("expected KindCorrupt, got %v", errs.KindOf(err))
	}
}

func TestAbortRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sstable_1.db")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write(cell.NewValue([]byte("a"), []byte("c"), 1, []byte("v"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed after Abort, stat err=%v", err)
	}
}
