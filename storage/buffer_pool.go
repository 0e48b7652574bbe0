package storage

import (
	"sync"

	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/logging"
)

// BufferPoolManager mediates all access to the paged store through a fixed
// array of frames. It maps page ids to frames, pins and unpins pages, tracks
// dirtiness, evicts through the replacer, and routes I/O to the disk manager.
//
// A single mutex guards all frame-table state and is held for the entire
// duration of every public operation, disk I/O included. I/O under the latch
// is short relative to workload semantics and much simpler than a two-phase
// latch-then-I/O discipline. Page content is additionally protected by each
// page's reader-writer latch, which callers acquire themselves.
type BufferPoolManager struct {
	latch     sync.Mutex
	frames    []Page
	pageTable map[common.PageID]common.FrameID
	freeList  []common.FrameID
	replacer  Replacer
	disk      DiskManager
	log       logging.LogManager // optional; nil disables the WAL rule
}

// NewBufferPoolManager creates a buffer pool with poolSize frames backed by
// the given disk manager. logManager may be nil when no WAL is in play.
func NewBufferPoolManager(poolSize int, disk DiskManager, logManager logging.LogManager) *BufferPoolManager {
	common.Assert(poolSize > 0, "pool size must be positive")
	bpm := &BufferPoolManager{
		frames:    make([]Page, poolSize),
		pageTable: make(map[common.PageID]common.FrameID, poolSize),
		freeList:  make([]common.FrameID, 0, poolSize),
		replacer:  NewLRUReplacer(poolSize),
		disk:      disk,
		log:       logManager,
	}
	// Initially, every frame is free.
	for i := range bpm.frames {
		bpm.frames[i].id = common.InvalidPageID
		bpm.freeList = append(bpm.freeList, common.FrameID(i))
	}
	return bpm
}

// DiskManager returns the underlying disk manager.
func (bpm *BufferPoolManager) DiskManager() DiskManager {
	return bpm.disk
}

// PoolSize returns the number of frames.
func (bpm *BufferPoolManager) PoolSize() int {
	return len(bpm.frames)
}

// victimFrame supplies a frame for a new resident page: the free list is
// always preferred, then the replacer. An evicted page is written back if
// dirty and erased from the page table before the frame is handed out.
// Callers must hold the buffer pool latch.
func (bpm *BufferPoolManager) victimFrame() (common.FrameID, error) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Victim()
	if !ok {
		return common.InvalidFrameID, common.NewError(common.BufferPoolFullError,
			"all %d frames are pinned", len(bpm.frames))
	}
	frame := &bpm.frames[frameID]
	if frame.dirty {
		if err := bpm.disk.WritePage(frame.id, frame.Data[:]); err != nil {
			// The frame is untouched; put it back so the page is not lost.
			bpm.replacer.Unpin(frameID)
			return common.InvalidFrameID, err
		}
		frame.dirty = false
	}
	delete(bpm.pageTable, frame.id)
	return frameID, nil
}

// installPage resets the frame for a new resident page. Callers must hold the
// buffer pool latch.
func (bpm *BufferPoolManager) installPage(frameID common.FrameID, pageID common.PageID) *Page {
	frame := &bpm.frames[frameID]
	frame.id = pageID
	frame.resetMemory()
	frame.pinCount = 1
	frame.dirty = false
	frame.lsn.Store(0)
	bpm.pageTable[pageID] = frameID
	return frame
}

// FetchPage returns the requested page pinned, reading it from disk if it is
// not resident. It fails with BufferPoolFullError when no frame can be
// supplied.
func (bpm *BufferPoolManager) FetchPage(pageID common.PageID) (*Page, error) {
	common.Assert(!pageID.IsNil(), "fetching the invalid page id")
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		frame := &bpm.frames[frameID]
		frame.pinCount++
		bpm.replacer.Pin(frameID)
		return frame, nil
	}

	frameID, err := bpm.victimFrame()
	if err != nil {
		return nil, err
	}
	frame := bpm.installPage(frameID, pageID)
	if err := bpm.disk.ReadPage(pageID, frame.Data[:]); err != nil {
		delete(bpm.pageTable, pageID)
		frame.resetMetadata()
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, err
	}
	return frame, nil
}

// NewPage allocates a fresh page on disk and returns it pinned with zeroed
// content. It fails with BufferPoolFullError when no frame can be supplied.
func (bpm *BufferPoolManager) NewPage() (*Page, error) {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameID, err := bpm.victimFrame()
	if err != nil {
		return nil, err
	}
	pageID, err := bpm.disk.AllocatePage()
	if err != nil {
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, err
	}
	return bpm.installPage(frameID, pageID), nil
}

// UnpinPage decrements the page's pin count, marking it dirty if isDirty.
// When the count reaches zero the frame becomes eligible for eviction; if a
// log manager is present and the page's LSN exceeds the persistent LSN, the
// log is force-flushed first so no page ever becomes evictable ahead of its
// log records. Returns false when the page is not resident.
func (bpm *BufferPoolManager) UnpinPage(pageID common.PageID, isDirty bool) bool {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false
	}
	frame := &bpm.frames[frameID]
	if frame.pinCount > 0 {
		frame.pinCount--
	}
	frame.dirty = frame.dirty || isDirty
	if frame.pinCount == 0 {
		if bpm.log != nil && frame.LSN() > bpm.log.PersistentLSN() {
			bpm.log.ForceFlush()
		}
		bpm.replacer.Unpin(frameID)
	}
	return true
}

// FlushPage writes the page's content to disk and clears its dirty bit.
// Returns false when the page is not resident.
func (bpm *BufferPoolManager) FlushPage(pageID common.PageID) (bool, error) {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	return bpm.flushFrame(pageID)
}

func (bpm *BufferPoolManager) flushFrame(pageID common.PageID) (bool, error) {
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false, nil
	}
	frame := &bpm.frames[frameID]
	if err := bpm.disk.WritePage(pageID, frame.Data[:]); err != nil {
		return true, err
	}
	frame.dirty = false
	return true, nil
}

// FlushAllPages writes every resident page to disk, pinned or not, clearing
// dirty bits. Typically called at shutdown.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	for pageID := range bpm.pageTable {
		if _, err := bpm.flushFrame(pageID); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage removes the page from the pool and deallocates it on disk. A
// page that is not resident is deallocated directly. Returns false when the
// page is resident and still pinned.
func (bpm *BufferPoolManager) DeletePage(pageID common.PageID) bool {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.disk.DeallocatePage(pageID)
		return true
	}
	frame := &bpm.frames[frameID]
	if frame.pinCount > 0 {
		return false
	}
	bpm.replacer.Pin(frameID)
	delete(bpm.pageTable, pageID)
	frame.resetMetadata()
	bpm.freeList = append(bpm.freeList, frameID)
	bpm.disk.DeallocatePage(pageID)
	return true
}

// PinnedFrames returns the number of resident frames with a non-zero pin
// count. Useful for leak checks in tests and shutdown assertions.
func (bpm *BufferPoolManager) PinnedFrames() int {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	pinned := 0
	for _, frameID := range bpm.pageTable {
		if bpm.frames[frameID].pinCount > 0 {
			pinned++
		}
	}
	return pinned
}

// FreeFrames returns the current length of the free list.
func (bpm *BufferPoolManager) FreeFrames() int {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	return len(bpm.freeList)
}

// EvictableFrames returns the number of frames the replacer considers
// eligible for eviction.
func (bpm *BufferPoolManager) EvictableFrames() int {
	return bpm.replacer.Size()
}
