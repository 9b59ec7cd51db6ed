// Package table implements the table namespace: a directory containing
// one or more column-family subdirectories. A table is purely a
// namespace — no table-level state is persisted beyond the directory
// layout — so the type here is just a lazily-opened, mutex-guarded cache
// of column family engines plus an advisory lock on the directory.
package table

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mnohosten/columnstore/pkg/cf"
	"github.com/mnohosten/columnstore/pkg/errs"
)

const lockFileName = ".table.lock"

// Table owns a directory of column family engines, opened lazily and
// cached for the lifetime of the Table.
type Table struct {
	dir string

	mu   sync.RWMutex
	cfs  map[string]*cf.Engine
	open bool

	lockPath string
	lockFile *os.File

	cfOptions cf.Options
}

// Options configures a Table. CFOptions is applied to every column
// family engine opened through this table.
type Options struct {
	CFOptions cf.Options
}

// Open opens or creates a table directory and takes an advisory lock on
// it. Only one process may hold the lock at a time; a stale lock file
// left behind by a process that did not call Close is not detected here.
// TODO: take a real flock on platforms that support it instead of the
// lock-file convention, so a crashed process does not require manual
// lock removal.
func Open(dir string, opts Options) (*Table, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIO, fmt.Errorf("create table dir: %w", err))
	}

	lockPath := filepath.Join(dir, lockFileName)
	lockFile, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}

	t := &Table{
		dir:       dir,
		cfs:       make(map[string]*cf.Engine),
		open:      true,
		lockPath:  lockPath,
		lockFile:  lockFile,
		cfOptions: opts.CFOptions,
	}
	return t, nil
}

// acquireLock creates dir/.table.lock exclusively and writes this
// process's PID into it. O_EXCL makes creation itself the lock check: a
// leftover file from a crashed process blocks reopening until removed by
// an operator, rather than silently taking over another process's state.
func acquireLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.Wrap(errs.KindBusy, fmt.Errorf("table already locked (stale lock file: %s)", lockPath))
		}
		return nil, errs.Wrap(errs.KindIO, fmt.Errorf("create lock file: %w", err))
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, errs.Wrap(errs.KindIO, fmt.Errorf("write lock file: %w", err))
	}
	return f, nil
}

func (t *Table) cfDir(name string) string {
	return filepath.Join(t.dir, name)
}

// ColumnFamily returns the named column family's engine, opening it
// (and its on-disk directory) on first use.
func (t *Table) ColumnFamily(name string) (*cf.Engine, error) {
	t.mu.RLock()
	if !t.open {
		t.mu.RUnlock()
		return nil, errs.ErrClosed
	}
	if e, ok := t.cfs[name]; ok {
		t.mu.RUnlock()
		return e, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil, errs.ErrClosed
	}
	if e, ok := t.cfs[name]; ok {
		return e, nil
	}

	e, err := cf.Open(t.cfDir(name), t.cfOptions)
	if err != nil {
		return nil, fmt.Errorf("open column family %q: %w", name, err)
	}
	t.cfs[name] = e
	return e, nil
}

// DropColumnFamily closes and removes a column family's on-disk
// directory entirely. This is destructive and irreversible.
func (t *Table) DropColumnFamily(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return errs.ErrClosed
	}

	if e, ok := t.cfs[name]; ok {
		if err := e.Close(); err != nil {
			return fmt.Errorf("close column family %q: %w", name, err)
		}
		delete(t.cfs, name)
	} else if _, err := os.Stat(t.cfDir(name)); os.IsNotExist(err) {
		return errs.ErrNotFound
	}

	if err := os.RemoveAll(t.cfDir(name)); err != nil {
		return errs.Wrap(errs.KindIO, fmt.Errorf("remove column family dir %q: %w", name, err))
	}
	return nil
}

// ListColumnFamilies returns the names of every column family
// subdirectory present on disk, whether or not it has been opened yet.
func (t *Table) ListColumnFamilies() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, fmt.Errorf("list table dir: %w", err))
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		names = append(names, ent.Name())
	}
	return names, nil
}

// Close closes every opened column family engine and releases the
// table's advisory lock.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.open = false

	var firstErr error
	for name, e := range t.cfs {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close column family %q: %w", name, err)
		}
	}
	t.cfs = nil

	t.lockFile.Close()
	os.Remove(t.lockPath)

	return firstErr
}
