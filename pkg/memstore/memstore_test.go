package memstore

import (
	"testing"

	"github.com/mnohosten/columnstore/pkg/cell"
)

func TestInsertAndGetExactTriple(t *testing.T) {
	m := New()
	m.Insert(cell.NewValue([]byte("r"), []byte("c"), 1, []byte("v1")))
	m.Insert(cell.NewValue([]byte("r"), []byte("c"), 2, []byte("v2")))

	got, ok := m.Get([]byte("r"), []byte("c"), 2)
	if !ok {
		t.Fatal("expected to find (r,c,2)")
	}
	if string(got.Value) != "v2" {
		t.Fatalf("expected v2, got %s", got.Value)
	}

	if m.Count() != 2 {
		t.Fatalf("expected 2 distinct triples, got %d", m.Count())
	}
}

func TestInsertSameTripleReplaces(t *testing.T) {
	m := New()
	m.Insert(cell.NewValue([]byte("r"), []byte("c"), 1, []byte("first")))
	m.Insert(cell.NewValue([]byte("r"), []byte("c"), 1, []byte("second")))

	if m.Count() != 1 {
		t.Fatalf("expected 1 triple after overwrite, got %d", m.Count())
	}
	got, ok := m.Get([]byte("r"), []byte("c"), 1)
	if !ok || string(got.Value) != "second" {
		t.Fatalf("expected second to win, got %+v ok=%v", got, ok)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	m := New()
	m.Insert(cell.NewValue([]byte("b"), []byte("x"), 1, []byte("1")))
	m.Insert(cell.NewValue([]byte("a"), []byte("x"), 5, []byte("2")))
	m.Insert(cell.NewValue([]byte("a"), []byte("x"), 10, []byte("3")))

	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 cells, got %d", len(snap))
	}
	for i := 0; i+1 < len(snap); i++ {
		if cell.Compare(snap[i], snap[i+1]) > 0 {
			t.Fatalf("snapshot not sorted at index %d: %+v then %+v", i, snap[i], snap[i+1])
		}
	}
	// Row "a" sorts before "b"; within row "a", timestamp 10 sorts before 5.
	if string(snap[0].Row) != "a" || snap[0].Timestamp != 10 {
		t.Fatalf("unexpected first element: %+v", snap[0])
	}
}

func TestSnapshotIsImmutableAcrossFurtherInserts(t *testing.T) {
	m := New()
	m.Insert(cell.NewValue([]byte("r"), []byte("c"), 1, []byte("v1")))
	snap := m.Snapshot()

	m.Insert(cell.NewValue([]byte("r"), []byte("c"), 2, []byte("v2")))

	if len(snap) != 1 {
		t.Fatalf("expected snapshot to remain 1 entry, got %d", len(snap))
	}
}
