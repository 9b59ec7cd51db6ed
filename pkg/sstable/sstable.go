// Package sstable implements the immutable, sorted on-disk file produced
// by flush or compaction: header + concatenated cell encodings + footer.
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/mnohosten/columnstore/pkg/cell"
	"github.com/mnohosten/columnstore/pkg/errs"
)

var magic = [4]byte{'R', 'B', 'S', 'S'}

const formatVersion = 0x01

// The footer is a fixed 12 bytes (body_start_offset u64 LE + cell_count
// u32 LE). There is no sparse index and no random lookup; all reads go
// through the sequential Iterator, and point lookups are the merged
// reader's concern.

// Writer builds a new SSTable file from a stream of cells supplied by the
// caller in cell.Compare order; that order is the caller's precondition
// and is validated only by a cheap adjacency check.
type Writer struct {
	file   *os.File
	bw     *bufio.Writer
	path   string
	offset int64
	count  uint32
	prev   *cell.Cell
}

// Create opens path for writing and emits the SSTable header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, fmt.Errorf("sstable: create %s: %w", path, err))
	}
	bw := bufio.NewWriter(f)
	if _, err := bw.Write(magic[:]); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, err)
	}
	if err := bw.WriteByte(formatVersion); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, err)
	}
	return &Writer{file: f, bw: bw, path: path, offset: int64(len(magic) + 1)}, nil
}

// Write appends one cell to the body. Cells must arrive in cell.Compare
// order.
func (w *Writer) Write(c cell.Cell) error {
	if w.prev != nil && cell.Compare(*w.prev, c) > 0 {
		return errs.Wrap(errs.KindCorrupt, fmt.Errorf("sstable: cells out of order at offset %d", w.offset))
	}
	prev := c
	w.prev = &prev

	n, err := countingEncode(w.bw, c)
	if err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	w.offset += int64(n)
	w.count++
	return nil
}

// Finalize writes the footer, fsyncs and closes the file.
func (w *Writer) Finalize() error {
	bodyStart := int64(len(magic) + 1)

	var footer [12]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(bodyStart))
	binary.LittleEndian.PutUint32(footer[8:12], w.count)
	if _, err := w.bw.Write(footer[:]); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	if err := w.bw.Flush(); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	if err := w.file.Sync(); err != nil {
		return errs.Wrap(errs.KindIO, fmt.Errorf("sstable: fsync %s: %w", w.path, err))
	}
	return w.file.Close()
}

// Abort closes and removes a partially-written file, used when a flush
// or compaction fails before Finalize so no partial SSTable is left on
// disk.
func (w *Writer) Abort() {
	w.file.Close()
	os.Remove(w.path)
}

// Reader is an open handle on an immutable SSTable file.
type Reader struct {
	Path       string
	Ordinal    int
	BodyStart  int64
	BodyEnd    int64
	CellCount  int
}

// Open validates the header and footer and returns a Reader. It does not
// keep the file open; Iterator reopens it, so many concurrent iterators
// may coexist.
func Open(path string, ordinal int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, fmt.Errorf("sstable: open %s: %w", path, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	size := info.Size()
	if size < int64(len(magic))+1+12 {
		return nil, errs.Wrap(errs.KindCorrupt, fmt.Errorf("sstable: %s too small to contain header+footer", path))
	}

	var header [5]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	if header[0] != magic[0] || header[1] != magic[1] || header[2] != magic[2] || header[3] != magic[3] {
		return nil, errs.Wrap(errs.KindCorrupt, fmt.Errorf("sstable: %s bad magic", path))
	}
	if header[4] != formatVersion {
		return nil, errs.Wrap(errs.KindCorrupt, fmt.Errorf("sstable: %s unsupported version %d", path, header[4]))
	}

	if _, err := f.Seek(size-12, io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	var footer [12]byte
	if _, err := io.ReadFull(f, footer[:]); err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, fmt.Errorf("sstable: %s truncated footer: %w", path, err))
	}
	bodyStart := int64(binary.LittleEndian.Uint64(footer[0:8]))
	count := binary.LittleEndian.Uint32(footer[8:12])
	bodyEnd := size - 12

	if bodyStart != int64(len(magic)+1) {
		return nil, errs.Wrap(errs.KindCorrupt, fmt.Errorf("sstable: %s footer offset mismatch", path))
	}

	return &Reader{Path: path, Ordinal: ordinal, BodyStart: bodyStart, BodyEnd: bodyEnd, CellCount: int(count)}, nil
}

// Iterator streams cells in file order, which is cell.Compare order.
func (r *Reader) Iterator() (*Iterator, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	if _, err := f.Seek(r.BodyStart, io.SeekStart); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, err)
	}
	return &Iterator{file: f, r: bufio.NewReader(f), end: r.BodyEnd, pos: r.BodyStart}, nil
}

// Iterator is a forward-only cursor over one SSTable's body.
type Iterator struct {
	file    *os.File
	r       *bufio.Reader
	pos     int64
	end     int64
	current cell.Cell
	err     error
}

// Next advances the iterator. It returns false at end-of-body or on
// error; callers should check Err() after Next returns false.
func (it *Iterator) Next() bool {
	if it.pos >= it.end {
		return false
	}
	start := it.pos
	c, n, err := countingDecode(it.r)
	if err != nil {
		it.err = errs.Wrap(errs.KindCorrupt, fmt.Errorf("sstable: decode at offset %d: %w", start, err))
		return false
	}
	it.pos += int64(n)
	it.current = c
	return true
}

// Cell returns the cell at the iterator's current position.
func (it *Iterator) Cell() cell.Cell { return it.current }

// Err returns the error, if any, that stopped iteration early.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator's file handle. Safe to call even if the
// underlying file has since been unlinked by a compaction; POSIX keeps an
// open-but-unlinked file's data accessible until the last handle closes.
func (it *Iterator) Close() error { return it.file.Close() }

func countingEncode(w io.Writer, c cell.Cell) (int, error) {
	cw := &countingWriter{w: w}
	if err := cell.Encode(cw, c); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

func countingDecode(r io.Reader) (cell.Cell, int, error) {
	cr := &countingReader{r: r}
	c, err := cell.Decode(cr)
	return c, cr.n, err
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
