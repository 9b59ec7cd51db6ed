// Package async offloads pkg/cf.Engine's blocking operation set onto a
// bounded worker pool and returns futures. The contract is identical to
// the synchronous surface, one channel read removed.
//
// Each Engine method submits one task and returns a single-element
// buffered channel, so a caller that never reads the result does not
// leak a blocked worker goroutine.
package async

import (
	"github.com/mnohosten/columnstore/pkg/batch"
	"github.com/mnohosten/columnstore/pkg/cf"
)

// Engine offloads a *cf.Engine's operations onto a WorkerPool.
type Engine struct {
	cf *cf.Engine
	wp *WorkerPool
}

// New wraps cfEngine with a worker pool of the given configuration.
func New(cfEngine *cf.Engine, cfg WorkerPoolConfig) *Engine {
	return &Engine{cf: cfEngine, wp: NewWorkerPool(cfg)}
}

// Shutdown stops the underlying worker pool, waiting for in-flight and
// queued tasks to finish. It does not close the wrapped *cf.Engine.
func (e *Engine) Shutdown() {
	e.wp.Shutdown()
}

// PutAsync mirrors cf.Engine.Put.
func (e *Engine) PutAsync(row, column, value []byte) <-chan error {
	result := make(chan error, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		result <- e.cf.Put(row, column, value)
	}))
	return result
}

// DeleteAsync mirrors cf.Engine.Delete.
func (e *Engine) DeleteAsync(row, column []byte) <-chan error {
	result := make(chan error, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		result <- e.cf.Delete(row, column)
	}))
	return result
}

// DeleteWithTTLAsync mirrors cf.Engine.DeleteWithTTL.
func (e *Engine) DeleteWithTTLAsync(row, column []byte, ttlMillis uint64) <-chan error {
	result := make(chan error, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		result <- e.cf.DeleteWithTTL(row, column, ttlMillis)
	}))
	return result
}

// GetResult is the future payload for GetAsync. Found is false when the
// column has no live version (absent, or shadowed by a tombstone) — not
// an error.
type GetResult struct {
	Value     []byte
	Timestamp uint64
	Found     bool
	Err       error
}

// GetAsync mirrors cf.Engine.Get.
func (e *Engine) GetAsync(row, column []byte) <-chan GetResult {
	result := make(chan GetResult, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		v, ts, found, err := e.cf.Get(row, column)
		result <- GetResult{Value: v, Timestamp: ts, Found: found, Err: err}
	}))
	return result
}

// GetVersionsResult is the future payload for GetVersionsAsync.
type GetVersionsResult struct {
	Versions []cf.Version
	Err      error
}

// GetVersionsAsync mirrors cf.Engine.GetVersions.
func (e *Engine) GetVersionsAsync(row, column []byte, maxVersions int) <-chan GetVersionsResult {
	result := make(chan GetVersionsResult, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		versions, err := e.cf.GetVersions(row, column, maxVersions)
		result <- GetVersionsResult{Versions: versions, Err: err}
	}))
	return result
}

// ScanRowVersionsResult is the future payload for ScanRowVersionsAsync.
type ScanRowVersionsResult struct {
	Columns map[string][]cf.Version
	Err     error
}

// ScanRowVersionsAsync mirrors cf.Engine.ScanRowVersions.
func (e *Engine) ScanRowVersionsAsync(row []byte, maxVersions int) <-chan ScanRowVersionsResult {
	result := make(chan ScanRowVersionsResult, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		cols, err := e.cf.ScanRowVersions(row, maxVersions)
		result <- ScanRowVersionsResult{Columns: cols, Err: err}
	}))
	return result
}

// ScanRangeResult is the future payload for ScanRangeAsync.
type ScanRangeResult struct {
	Rows []cf.RowResult
	Err  error
}

// ScanRangeAsync mirrors cf.Engine.ScanRange.
func (e *Engine) ScanRangeAsync(startRow, endRow []byte, maxVersions int) <-chan ScanRangeResult {
	result := make(chan ScanRangeResult, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		rows, err := e.cf.ScanRange(startRow, endRow, maxVersions)
		result <- ScanRangeResult{Rows: rows, Err: err}
	}))
	return result
}

// FlushAsync mirrors cf.Engine.Flush.
func (e *Engine) FlushAsync() <-chan error {
	result := make(chan error, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		result <- e.cf.Flush()
	}))
	return result
}

// ExecuteBatchAsync mirrors cf.Engine.ExecuteBatch.
func (e *Engine) ExecuteBatchAsync(b *batch.Batch) <-chan error {
	result := make(chan error, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		result <- e.cf.ExecuteBatch(b)
	}))
	return result
}

// CompactAsync mirrors cf.Engine.Compact.
func (e *Engine) CompactAsync() <-chan error {
	result := make(chan error, 1)
	e.wp.SubmitBlocking(TaskFunc(func() {
		result <- e.cf.Compact()
	}))
	return result
}
