// Package errs defines the error taxonomy shared across the storage
// engine's packages: sentinel errors plus a Kind so callers spanning
// multiple packages can classify failures uniformly.
package errs

import "errors"

// Kind categorizes an engine error. It is not a replacement
// for Go's usual sentinel/wrapped errors — each package still defines its
// own errors.New values — it is a thin classification layer on top.
type Kind int

const (
	// KindNone means the error does not originate from the engine, or the
	// operation succeeded.
	KindNone Kind = iota
	// KindIO covers any OS error during open/read/write/fsync/rename/unlink.
	KindIO
	// KindCorrupt covers SSTable header/footer mismatches, undecodable
	// SSTable cells, and out-of-order SSTable writes. WAL replay does not
	// return it: replay stops at the first bad record wherever it lies.
	KindCorrupt
	// KindNotFound covers operating on a column family that does not exist.
	KindNotFound
	// KindInvalidArgument covers malformed caller input (empty row, max_versions=0, bad regex, ...).
	KindInvalidArgument
	// KindBusy reports a table directory already locked by another open
	// Table; the column family engine itself never returns it.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindCorrupt:
		return "Corrupt"
	case KindNotFound:
		return "NotFound"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindBusy:
		return "Busy"
	default:
		return "None"
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap classifies an existing error under kind, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, or KindNone if err was not produced
// by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Sentinel errors referenced across packages by errors.Is.
var (
	// ErrNotFound is returned when a requested column family does not exist.
	ErrNotFound = New(KindNotFound, "column family not found")
	// ErrEmptyRow is returned for an empty row key, which is never valid.
	ErrEmptyRow = New(KindInvalidArgument, "row key must not be empty")
	// ErrInvalidMaxVersions is returned when max_versions is requested as 0.
	ErrInvalidMaxVersions = New(KindInvalidArgument, "max_versions must be >= 1")
	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = New(KindIO, "column family engine is closed")
)
