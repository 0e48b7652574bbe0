package indexing

import (
	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/transaction"
)

// Iterator walks the leaves of a B+-tree in ascending key order over their
// next-page links. It holds exactly one pinned, read-latched leaf at a time,
// releasing it before fetching the next, so concurrent writers are never
// blocked behind more than one leaf.
//
// Usage follows the scan-iterator pattern: Next positions on the first entry
// on its first call and advances afterwards; Key and Value are valid after
// Next returns true; Close releases the held leaf.
type Iterator struct {
	tree      *BPlusTree
	leaf      LeafPage
	index     int
	firstCall bool
	err       error
}

// Begin returns an iterator positioned at the smallest key.
func (t *BPlusTree) Begin(txn *transaction.TransactionContext) (*Iterator, error) {
	if txn == nil {
		txn = transaction.NewContext()
	}
	leaf, err := t.findLeafPage(nil, true, opRead, txn)
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, firstCall: true}
	if leaf.Page == nil {
		return it, nil
	}
	txn.DetachPage(leaf.Page)
	it.leaf = leaf
	it.normalize()
	return it, nil
}

// BeginAt returns an iterator positioned at the first key >= key.
func (t *BPlusTree) BeginAt(key []byte, txn *transaction.TransactionContext) (*Iterator, error) {
	common.Assert(len(key) == t.keySize, "key width %d does not match index", len(key))
	if txn == nil {
		txn = transaction.NewContext()
	}
	leaf, err := t.findLeafPage(key, false, opRead, txn)
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, firstCall: true}
	if leaf.Page == nil {
		return it, nil
	}
	txn.DetachPage(leaf.Page)
	it.leaf = leaf
	it.index = leaf.KeyIndex(key, t.comparator)
	it.normalize()
	return it, nil
}

// End returns the exhausted iterator every scan converges to.
func (t *BPlusTree) End() *Iterator {
	return &Iterator{tree: t, firstCall: true}
}

// Next advances the iterator. The first call positions on the starting entry.
// Returns false once the scan is exhausted or an error occurred.
func (it *Iterator) Next() bool {
	if it.firstCall {
		it.firstCall = false
		return it.leaf.Page != nil
	}
	if it.leaf.Page == nil {
		return false
	}
	it.index++
	it.normalize()
	return it.leaf.Page != nil
}

// IsEnd reports whether the iterator is exhausted.
func (it *Iterator) IsEnd() bool {
	return it.leaf.Page == nil
}

// Key returns the key at the cursor. The slice aliases the leaf's buffer and
// must be copied if kept past the next call.
func (it *Iterator) Key() []byte {
	common.Assert(it.leaf.Page != nil, "iterator is exhausted")
	return it.leaf.KeyAt(it.index)
}

// Value returns the RecordID at the cursor.
func (it *Iterator) Value() common.RecordID {
	common.Assert(it.leaf.Page != nil, "iterator is exhausted")
	return it.leaf.ValueAt(it.index)
}

// Error returns the first error the iterator encountered while advancing.
func (it *Iterator) Error() error {
	return it.err
}

// Close releases the held leaf, if any.
func (it *Iterator) Close() error {
	it.release()
	return it.err
}

// normalize moves the cursor onto a valid entry, following next-page links
// past exhausted leaves. The current leaf is released before the next is
// latched.
func (it *Iterator) normalize() {
	for it.leaf.Page != nil && it.index >= it.leaf.Size() {
		next := it.leaf.NextPageID()
		it.release()
		if next.IsNil() {
			return
		}
		frame, err := it.tree.bpm.FetchPage(next)
		if err != nil {
			it.err = err
			return
		}
		frame.RLatch()
		it.leaf = AsLeafPage(frame, it.tree.keySize)
		it.index = 0
	}
}

func (it *Iterator) release() {
	if it.leaf.Page == nil {
		return
	}
	pageID := it.leaf.ID()
	it.leaf.RUnlatch()
	it.tree.bpm.UnpinPage(pageID, false)
	it.leaf = LeafPage{}
}
