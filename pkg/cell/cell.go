// Package cell defines the atomic unit stored by the engine — the
// versioned, tombstone-aware (row, column, timestamp) triple — its total
// ordering, and the binary encoding shared by the WAL and the SSTable body.
package cell

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind distinguishes a live value from a deletion marker.
type Kind uint8

const (
	// KindValue marks a cell carrying live data.
	KindValue Kind = 0x00
	// KindTombstone marks a cell as deleted, optionally with a TTL.
	KindTombstone Kind = 0x01
)

// Cell is the atomic stored record: row, column, timestamp and either a
// value or a tombstone. Cells are never mutated in place.
type Cell struct {
	Row       []byte
	Column    []byte
	Timestamp uint64 // milliseconds since Unix epoch
	Kind      Kind
	Value     []byte  // set when Kind == KindValue
	HasTTL    bool    // set when Kind == KindTombstone and a TTL was supplied
	TTLMillis uint64  // valid when HasTTL
}

// NewValue builds a live-value cell.
func NewValue(row, column []byte, ts uint64, value []byte) Cell {
	return Cell{Row: row, Column: column, Timestamp: ts, Kind: KindValue, Value: value}
}

// NewTombstone builds a deletion marker with no TTL.
func NewTombstone(row, column []byte, ts uint64) Cell {
	return Cell{Row: row, Column: column, Timestamp: ts, Kind: KindTombstone}
}

// NewTombstoneTTL builds a deletion marker that stops shadowing older
// versions once ttlMillis has elapsed past ts.
func NewTombstoneTTL(row, column []byte, ts, ttlMillis uint64) Cell {
	return Cell{Row: row, Column: column, Timestamp: ts, Kind: KindTombstone, HasTTL: true, TTLMillis: ttlMillis}
}

// IsTombstone reports whether the cell is a deletion marker.
func (c Cell) IsTombstone() bool { return c.Kind == KindTombstone }

// ExpiresAt returns the timestamp at and before which this tombstone no
// longer shadows older versions. Only meaningful when HasTTL is true.
func (c Cell) ExpiresAt() uint64 { return c.Timestamp - c.TTLMillis }

// Compare implements the engine's total order: ascending row, ascending
// column, descending timestamp. This is the single comparator used by
// the MemStore, the SSTable writer's precondition, and the merged reader;
// every sorted iteration in the engine must agree with it.
func Compare(a, b Cell) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Column, b.Column); c != 0 {
		return c
	}
	switch {
	case a.Timestamp > b.Timestamp:
		return -1
	case a.Timestamp < b.Timestamp:
		return 1
	default:
		return 0
	}
}

// SameColumn reports whether a and b address the same (row, column) group.
func SameColumn(a, b Cell) bool {
	return bytes.Equal(a.Row, b.Row) && bytes.Equal(a.Column, b.Column)
}

// Encode writes the self-describing binary form of c to w:
//
//	row_len u32 BE, row
//	col_len u32 BE, column
//	timestamp u64 BE
//	kind u8
//	if KindValue:     value_len u32 BE, value
//	if KindTombstone: has_ttl u8; if has_ttl==1: ttl_ms u64 BE
func Encode(w io.Writer, c Cell) error {
	if err := writeLenPrefixed(w, c.Row); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, c.Column); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.Timestamp); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint8(c.Kind)); err != nil {
		return err
	}
	switch c.Kind {
	case KindValue:
		return writeLenPrefixed(w, c.Value)
	case KindTombstone:
		hasTTL := uint8(0)
		if c.HasTTL {
			hasTTL = 1
		}
		if err := binary.Write(w, binary.BigEndian, hasTTL); err != nil {
			return err
		}
		if c.HasTTL {
			return binary.Write(w, binary.BigEndian, c.TTLMillis)
		}
		return nil
	default:
		return fmt.Errorf("cell: unknown kind %d", c.Kind)
	}
}

// Decode reads one cell written by Encode from r.
func Decode(r io.Reader) (Cell, error) {
	var c Cell
	var err error
	if c.Row, err = readLenPrefixed(r); err != nil {
		return Cell{}, err
	}
	if c.Column, err = readLenPrefixed(r); err != nil {
		return Cell{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.Timestamp); err != nil {
		return Cell{}, err
	}
	var kind uint8
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return Cell{}, err
	}
	c.Kind = Kind(kind)
	switch c.Kind {
	case KindValue:
		if c.Value, err = readLenPrefixed(r); err != nil {
			return Cell{}, err
		}
	case KindTombstone:
		var hasTTL uint8
		if err := binary.Read(r, binary.BigEndian, &hasTTL); err != nil {
			return Cell{}, err
		}
		if hasTTL == 1 {
			c.HasTTL = true
			if err := binary.Read(r, binary.BigEndian, &c.TTLMillis); err != nil {
				return Cell{}, err
			}
		}
	default:
		return Cell{}, fmt.Errorf("cell: decoded unknown kind %d", c.Kind)
	}
	return c, nil
}

// EncodedSize returns the exact number of bytes Encode would write for c,
// useful for callers tracking WAL/SSTable offsets without a full encode.
func EncodedSize(c Cell) int {
	n := 4 + len(c.Row) + 4 + len(c.Column) + 8 + 1
	switch c.Kind {
	case KindValue:
		n += 4 + len(c.Value)
	case KindTombstone:
		n += 1
		if c.HasTTL {
			n += 8
		}
	}
	return n
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
