package storage

import (
	"sync"
	"sync/atomic"

	"mit.edu/dsg/minidb/common"
)

// pageMetadata is the frame-level bookkeeping the buffer pool keeps for a
// resident page. It is readable and writable only under the buffer pool's
// latch, never through the page's own reader-writer latch.
type pageMetadata struct {
	id       common.PageID
	pinCount int
	dirty    bool
}

// Page is one frame of the buffer pool: the raw bytes of a disk page plus the
// frame metadata and a reader-writer latch protecting the content. The index
// layer interprets Data through typed wrappers; the buffer pool treats it as
// opaque bytes.
type Page struct {
	// Data holds the raw physical data of the page.
	Data [common.PageSize]byte

	latch sync.RWMutex
	// lsn is atomic because writers stamp it under the page latch while the
	// buffer pool consults it at unpin time under its own mutex.
	lsn atomic.Int64
	pageMetadata
}

// ID returns the id of the page currently held by this frame, or
// common.InvalidPageID when the frame is free.
func (p *Page) ID() common.PageID { return p.id }

// PinCount returns the number of outstanding users of this frame. Meaningful
// only while the buffer pool latch is held.
func (p *Page) PinCount() int { return p.pinCount }

// IsDirty reports whether the in-memory content differs from disk.
func (p *Page) IsDirty() bool { return p.dirty }

// LSN atomically reads the last log sequence number recorded against this
// page. It is consulted at unpin time to enforce the WAL rule.
func (p *Page) LSN() common.LSN { return common.LSN(p.lsn.Load()) }

// SetLSN records the log sequence number of the latest log record affecting
// this page.
func (p *Page) SetLSN(lsn common.LSN) { p.lsn.Store(int64(lsn)) }

// RLatch acquires the page's latch in shared mode.
func (p *Page) RLatch() { p.latch.RLock() }

// RUnlatch releases a shared latch.
func (p *Page) RUnlatch() { p.latch.RUnlock() }

// WLatch acquires the page's latch in exclusive mode.
func (p *Page) WLatch() { p.latch.Lock() }

// WUnlatch releases an exclusive latch.
func (p *Page) WUnlatch() { p.latch.Unlock() }

func (p *Page) resetMemory() {
	clear(p.Data[:])
}

func (p *Page) resetMetadata() {
	p.id = common.InvalidPageID
	p.pinCount = 0
	p.dirty = false
	p.lsn.Store(0)
}
