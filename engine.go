package minidb

import (
	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/indexing"
	"mit.edu/dsg/minidb/logging"
	"mit.edu/dsg/minidb/storage"
	"mit.edu/dsg/minidb/transaction"
)

// DefaultPoolSize is the number of buffer pool frames used when Options does
// not specify one.
const DefaultPoolSize = 64

// Options configure an Engine.
type Options struct {
	// PoolSize is the number of buffer pool frames; zero selects
	// DefaultPoolSize.
	PoolSize int
	// LogManager enforces the WAL rule at unpin time. Nil disables it.
	LogManager logging.LogManager
}

// Engine is the storage engine's top-level context. It owns the paged file,
// the buffer pool, the transaction manager, and the registry of open
// B+-tree indexes, and bootstraps the header page on first open.
type Engine struct {
	disk    *storage.FileDiskManager
	bpm     *storage.BufferPoolManager
	txns    *transaction.Manager
	indexes *xsync.MapOf[string, *indexing.BPlusTree]
}

// Open opens (creating if absent) the paged store at path. A fresh store gets
// its header page allocated and flushed before the engine is returned.
func Open(path string, opts Options) (*Engine, error) {
	if opts.PoolSize == 0 {
		opts.PoolSize = DefaultPoolSize
	}
	disk, err := storage.NewFileDiskManager(path)
	if err != nil {
		return nil, err
	}
	bpm := storage.NewBufferPoolManager(opts.PoolSize, disk, opts.LogManager)

	if disk.NumPages() == 0 {
		frame, err := bpm.NewPage()
		if err != nil {
			_ = disk.Close()
			return nil, err
		}
		common.Assert(frame.ID() == common.HeaderPageID,
			"first allocation must yield the header page, got %s", frame.ID())
		bpm.UnpinPage(frame.ID(), true)
		if _, err := bpm.FlushPage(frame.ID()); err != nil {
			_ = disk.Close()
			return nil, err
		}
	}

	return &Engine{
		disk:    disk,
		bpm:     bpm,
		txns:    transaction.NewManager(),
		indexes: xsync.NewMapOf[string, *indexing.BPlusTree](),
	}, nil
}

// BufferPool returns the engine's buffer pool manager.
func (e *Engine) BufferPool() *storage.BufferPoolManager {
	return e.bpm
}

// Begin draws a pooled transaction context for one index operation.
func (e *Engine) Begin() *transaction.TransactionContext {
	return e.txns.Begin()
}

// Finish returns a context to the pool once its operation has completed.
func (e *Engine) Finish(txn *transaction.TransactionContext) {
	e.txns.Finish(txn)
}

func (e *Engine) hasIndexRecord(name string) (bool, error) {
	frame, err := e.bpm.FetchPage(common.HeaderPageID)
	if err != nil {
		return false, err
	}
	frame.RLatch()
	_, ok := indexing.AsHeaderPage(frame).RootPageID(name)
	frame.RUnlatch()
	e.bpm.UnpinPage(common.HeaderPageID, false)
	return ok, nil
}

// CreateIndex registers a new empty B+-tree under name. Passing zero for
// leafMaxSize or internalMaxSize selects the page capacity for the key width.
func (e *Engine) CreateIndex(name string, cmp indexing.Comparator,
	keySize, leafMaxSize, internalMaxSize int) (*indexing.BPlusTree, error) {
	exists, err := e.hasIndexRecord(name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, common.NewError(common.DuplicateIndexError, "index %q already exists", name)
	}
	tree, err := indexing.NewBPlusTree(name, e.bpm, cmp, keySize, leafMaxSize, internalMaxSize)
	if err != nil {
		return nil, err
	}
	if _, loaded := e.indexes.LoadOrStore(name, tree); loaded {
		return nil, common.NewError(common.DuplicateIndexError, "index %q already open", name)
	}
	return tree, nil
}

// OpenIndex returns the B+-tree registered under name, loading its root from
// the header page. The comparator and sizes must match those used at
// creation; they are not persisted.
func (e *Engine) OpenIndex(name string, cmp indexing.Comparator,
	keySize, leafMaxSize, internalMaxSize int) (*indexing.BPlusTree, error) {
	if tree, ok := e.indexes.Load(name); ok {
		return tree, nil
	}
	exists, err := e.hasIndexRecord(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, common.NewError(common.NoSuchIndexError, "index %q does not exist", name)
	}
	tree, err := indexing.NewBPlusTree(name, e.bpm, cmp, keySize, leafMaxSize, internalMaxSize)
	if err != nil {
		return nil, err
	}
	actual, _ := e.indexes.LoadOrStore(name, tree)
	return actual, nil
}

// DropIndex deletes every page of the named index and removes its header
// record. The index must currently be open.
func (e *Engine) DropIndex(name string) error {
	tree, ok := e.indexes.LoadAndDelete(name)
	if !ok {
		return common.NewError(common.NoSuchIndexError, "index %q is not open", name)
	}
	return tree.Destroy()
}

// Close flushes every resident page and closes the paged file. All pins must
// have been released.
func (e *Engine) Close() error {
	common.Assert(e.bpm.PinnedFrames() == 0, "closing the engine with pinned pages")
	if err := e.bpm.FlushAllPages(); err != nil {
		return err
	}
	if err := e.disk.Sync(); err != nil {
		return err
	}
	return e.disk.Close()
}
