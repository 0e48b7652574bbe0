package transaction

import (
	"sync"
	"sync/atomic"

	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/storage"
)

// TransactionContext holds the runtime state of one index operation: the
// pages its descent has latched (in root-to-leaf order), the pages emptied by
// a coalesce that must be deleted once the operation releases its latches,
// and whether the descent holds the tree-wide root latch. Carrying the
// root-latch flag here, rather than in thread-local state, ties its lifetime
// to the operation that acquired it.
type TransactionContext struct {
	id          common.TransactionID
	pages       []*storage.Page
	deleted     []common.PageID
	rootLatched bool
	maxHeld     int
}

// NewContext creates a standalone context. Prefer Manager.Begin when many
// operations run, so contexts are pooled.
func NewContext() *TransactionContext {
	return &TransactionContext{
		pages:   make([]*storage.Page, 0, 8),
		deleted: make([]common.PageID, 0, 4),
	}
}

// ID returns the transaction id, or common.InvalidTransactionID for a
// standalone context.
func (txn *TransactionContext) ID() common.TransactionID { return txn.id }

// AddPage records a page the descent has latched. Pages are released in
// insertion order by the tree's unlock path.
func (txn *TransactionContext) AddPage(p *storage.Page) {
	txn.pages = append(txn.pages, p)
	if len(txn.pages) > txn.maxHeld {
		txn.maxHeld = len(txn.pages)
	}
}

// Pages returns the latched pages in insertion (root-to-leaf) order.
func (txn *TransactionContext) Pages() []*storage.Page { return txn.pages }

// ClearPages empties the latched-page list without releasing anything; the
// caller has already unlatched and unpinned.
func (txn *TransactionContext) ClearPages() { txn.pages = txn.pages[:0] }

// DetachPage removes one page from the latched set without releasing it,
// transferring ownership of its latch and pin to the caller. Returns false if
// the page is not held.
func (txn *TransactionContext) DetachPage(p *storage.Page) bool {
	for i, held := range txn.pages {
		if held == p {
			txn.pages = append(txn.pages[:i], txn.pages[i+1:]...)
			return true
		}
	}
	return false
}

// AddDeleted marks a page for deletion after the operation's latches are
// released.
func (txn *TransactionContext) AddDeleted(pageID common.PageID) {
	txn.deleted = append(txn.deleted, pageID)
}

// Deleted returns the pages marked for deletion.
func (txn *TransactionContext) Deleted() []common.PageID { return txn.deleted }

// ClearDeleted empties the deleted-page list.
func (txn *TransactionContext) ClearDeleted() { txn.deleted = txn.deleted[:0] }

// RootLatched reports whether this descent holds the tree-wide root latch.
func (txn *TransactionContext) RootLatched() bool { return txn.rootLatched }

// SetRootLatched records whether this descent holds the tree-wide root latch.
func (txn *TransactionContext) SetRootLatched(held bool) { txn.rootLatched = held }

// MaxHeldPages returns the high-water mark of simultaneously held pages over
// the context's lifetime since the last Reset.
func (txn *TransactionContext) MaxHeldPages() int { return txn.maxHeld }

// Reset clears the context for reuse. Critical when pooling, so no latched
// pages leak between operations.
func (txn *TransactionContext) Reset(id common.TransactionID) {
	common.Assert(len(txn.pages) == 0, "resetting a context that still holds %d latched pages", len(txn.pages))
	common.Assert(!txn.rootLatched, "resetting a context that still holds the root latch")
	txn.id = id
	txn.deleted = txn.deleted[:0]
	txn.maxHeld = 0
}

// Manager hands out pooled TransactionContexts with monotonically increasing
// ids.
type Manager struct {
	nextID atomic.Uint64
	pool   sync.Pool
}

func NewManager() *Manager {
	return &Manager{
		pool: sync.Pool{
			New: func() any { return NewContext() },
		},
	}
}

// Begin returns a fresh context drawn from the pool.
func (m *Manager) Begin() *TransactionContext {
	txn := m.pool.Get().(*TransactionContext)
	txn.Reset(common.TransactionID(m.nextID.Add(1)))
	return txn
}

// Finish returns the context to the pool. The operation must have released
// all its latches first.
func (m *Manager) Finish(txn *TransactionContext) {
	common.Assert(len(txn.pages) == 0, "finishing a context that still holds latched pages")
	common.Assert(!txn.rootLatched, "finishing a context that still holds the root latch")
	m.pool.Put(txn)
}
