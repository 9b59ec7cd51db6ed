package pool

import (
	"testing"

	"github.com/mnohosten/columnstore/pkg/cf"
	"github.com/mnohosten/columnstore/pkg/table"
)

func openTestTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.Open(t.TempDir(), table.Options{CFOptions: cf.Options{DisableBackgroundCompaction: true}})
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func TestHandleSharesUnderlyingTable(t *testing.T) {
	tbl := openTestTable(t)
	p := New(tbl)

	h1 := p.Get()
	e1, err := h1.ColumnFamily("cf")
	if err != nil {
		t.Fatalf("cf from h1: %v", err)
	}
	if err := e1.Put([]byte("r"), []byte("c"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	p.Put(h1)

	h2 := p.Get()
	e2, err := h2.ColumnFamily("cf")
	if err != nil {
		t.Fatalf("cf from h2: %v", err)
	}
	got, _, found, err := e2.Get([]byte("r"), []byte("c"))
	if err != nil {
		t.Fatalf("get via second handle: %v", err)
	}
	if !found {
		t.Fatalf("expected second handle to see the write made via the first")
	}
	if string(got) != "v" {
		t.Fatalf("expected second handle to see the write made via the first, got %q", got)
	}
}

func TestWithHandleReturnsHandleOnError(t *testing.T) {
	tbl := openTestTable(t)
	p := New(tbl)

	sentinel := errSentinel{}
	err := WithHandle(p, func(h *Handle) error {
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error to propagate, got %v", err)
	}

	// Pool must still be usable afterward.
	err = WithHandle(p, func(h *Handle) error {
		_, err := h.ColumnFamily("x")
		return err
	})
	if err != nil {
		t.Fatalf("expected pool to remain usable after a failing WithHandle call: %v", err)
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "sentinel" }
