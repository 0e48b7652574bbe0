package storage

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"
	"mit.edu/dsg/minidb/common"
)

// DiskManager handles page-granularity I/O against the paged store.
//
// Implementations must be safe for concurrent use: multiple threads may read
// and write different pages simultaneously, and AllocatePage must be atomic
// with respect to other allocations.
type DiskManager interface {
	// AllocatePage reserves a page in the store and returns its id. Reclaimed
	// ids are reused lowest-first; otherwise ids grow monotonically. The page
	// starts zero-filled.
	AllocatePage() (common.PageID, error)
	// DeallocatePage marks the id reclaimable by a later AllocatePage.
	DeallocatePage(pageID common.PageID)
	// ReadPage reads the page identified by pageID into buf, which must be
	// exactly common.PageSize bytes.
	ReadPage(pageID common.PageID, buf []byte) error
	// WritePage persists buf to the page identified by pageID. The page must
	// already be allocated; WritePage cannot extend the store.
	WritePage(pageID common.PageID, buf []byte) error
	// Sync forces any buffered writes to stable storage.
	Sync() error
	// Close closes the underlying file handle and releases resources.
	Close() error
	// NumPages returns the number of pages currently allocated in the store.
	NumPages() int
}

// FileDiskManager implements DiskManager over a single OS file holding the
// entire paged store.
type FileDiskManager struct {
	file *os.File
	// numPages is a cached value of the file size (in pages) to avoid stat()
	// syscalls on every read. It is updated atomically after allocation.
	numPages atomic.Int32
	// allocMu serializes allocation and deallocation, including the Truncate
	// used to grow the file.
	allocMu sync.Mutex
	// freeIDs holds reclaimable page ids in ascending order so allocation can
	// reuse the lowest one first.
	freeIDs *btree.BTreeG[common.PageID]
}

// NewFileDiskManager opens (creating if absent) the paged file at path.
// A file whose size is not a multiple of the page size is rejected.
func NewFileDiskManager(path string) (*FileDiskManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if stat.Size()%int64(common.PageSize) != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("file %q is not page aligned (%d bytes)", path, stat.Size())
	}

	dm := &FileDiskManager{
		file: f,
		freeIDs: btree.NewBTreeG(func(a, b common.PageID) bool {
			return a < b
		}),
	}
	dm.numPages.Store(int32(stat.Size() / int64(common.PageSize)))
	return dm, nil
}

// AllocatePage returns a fresh page id, reusing the lowest reclaimed id when
// one exists and growing the file otherwise.
func (dm *FileDiskManager) AllocatePage() (common.PageID, error) {
	dm.allocMu.Lock()
	defer dm.allocMu.Unlock()

	if pageID, ok := dm.freeIDs.PopMin(); ok {
		// A reclaimed page still holds its old bytes; zero it so it reads
		// like a freshly grown page.
		zeros := make([]byte, common.PageSize)
		if _, err := dm.file.WriteAt(zeros, int64(pageID)*int64(common.PageSize)); err != nil {
			dm.freeIDs.Set(pageID)
			return common.InvalidPageID, fmt.Errorf("failed to allocate page: %w", err)
		}
		return pageID, nil
	}

	current := dm.numPages.Load()
	newSize := int64(current+1) * int64(common.PageSize)
	// Physically extend the file so reads of the new page return zeros.
	if err := dm.file.Truncate(newSize); err != nil {
		return common.InvalidPageID, fmt.Errorf("failed to allocate page: %w", err)
	}
	dm.numPages.Store(current + 1)
	return common.PageID(current), nil
}

// DeallocatePage marks pageID reclaimable. Ids outside the allocated range
// are ignored.
func (dm *FileDiskManager) DeallocatePage(pageID common.PageID) {
	dm.allocMu.Lock()
	defer dm.allocMu.Unlock()

	if pageID < 0 || int32(pageID) >= dm.numPages.Load() {
		return
	}
	dm.freeIDs.Set(pageID)
}

// ReadPage reads the content of the page identified by pageID into buf.
func (dm *FileDiskManager) ReadPage(pageID common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "buffer size must match PageSize")
	if pageID < 0 || int32(pageID) >= dm.numPages.Load() {
		return common.NewError(common.InvalidPageError,
			"read out of bounds: %s does not exist (store has %d pages)", pageID, dm.numPages.Load())
	}

	offset := int64(pageID) * int64(common.PageSize)
	if _, err := dm.file.ReadAt(buf, offset); err != nil {
		return err
	}
	return nil
}

// WritePage writes the content of buf to the page identified by pageID.
func (dm *FileDiskManager) WritePage(pageID common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "buffer size must match PageSize")
	if pageID < 0 || int32(pageID) >= dm.numPages.Load() {
		return common.NewError(common.InvalidPageError,
			"write out of bounds: %s does not exist", pageID)
	}

	offset := int64(pageID) * int64(common.PageSize)
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return err
	}
	return nil
}

// Sync flushes writes to stable storage.
func (dm *FileDiskManager) Sync() error {
	return dm.file.Sync()
}

// Close closes the underlying OS file.
func (dm *FileDiskManager) Close() error {
	return dm.file.Close()
}

// NumPages returns the number of pages currently in the file, including
// reclaimable ones.
func (dm *FileDiskManager) NumPages() int {
	return int(dm.numPages.Load())
}
