package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mnohosten/columnstore/pkg/cell"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	cells := []cell.Cell{
		cell.NewValue([]byte("r1"), []byte("c1"), 1, []byte("v1")),
		cell.NewValue([]byte("r1"), []byte("c1"), 2, []byte("v2")),
		cell.NewTombstone([]byte("r2"), []byte("c1"), 3),
	}
	for _, c := range cells {
		if err := w.Append(c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := w.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != len(cells) {
		t.Fatalf("expected %d cells, got %d", len(cells), len(got))
	}
	for i := range cells {
		if !cellsEqual(got[i], cells[i]) {
			t.Fatalf("cell %d mismatch: got %+v want %+v", i, got[i], cells[i])
		}
	}
}

func TestReplayStopsAtTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Append(cell.NewValue([]byte("r"), []byte("c"), 1, []byte("v"))); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-write: append a few garbage bytes that look
	// like the start of another record but are truncated.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x00, 0xFF, 0x01, 0x02}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer w2.Close()

	got, err := w2.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 recovered cell, got %d", len(got))
	}
}

func TestTruncateEmptiesLog(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if err := w.Append(cell.NewValue([]byte("r"), []byte("c"), 1, []byte("v"))); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	got, err := w.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty log after truncate, got %d entries", len(got))
	}
}

func TestAppendBatchReplaysEveryCell(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	cells := []cell.Cell{
		cell.NewValue([]byte("r"), []byte("c1"), 1, []byte("a")),
		cell.NewValue([]byte("r"), []byte("c2"), 1, []byte("b")),
		cell.NewTombstone([]byte("r"), []byte("c3"), 1),
	}
	if err := w.AppendBatch(cells); err != nil {
		t.Fatalf("append batch: %v", err)
	}

	got, err := w.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != len(cells) {
		t.Fatalf("expected %d cells, got %d", len(cells), len(got))
	}
}

func cellsEqual(a, b cell.Cell) bool {
	return string(a.Row) == string(b.Row) &&
		string(a.Column) == string(b.Column) &&
		a.Timestamp == b.Timestamp &&
		a.Kind == b.Kind &&
		string(a.Value) == string(b.Value) &&
		a.HasTTL == b.HasTTL &&
		a.TTLMillis == b.TTLMillis
}
