package indexing

import (
	"sync"
	"sync/atomic"

	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/storage"
	"mit.edu/dsg/minidb/transaction"
)

// operation is the mode of a root-to-leaf descent. It decides the latch kind
// taken on each node and when ancestors can be released.
type operation int

const (
	opRead operation = iota
	opInsert
	opDelete
)

// BPlusTree is an ordered, unique-key index on fixed-width keys. Every node
// lives in a buffer pool page; the tree holds no in-memory references between
// nodes, only page ids resolved through the pool. Concurrent operations
// coordinate with latch crabbing: a descent latches each child before
// releasing its ancestors, and a write descent keeps ancestors latched until
// it reaches a node whose mutation cannot propagate upward.
type BPlusTree struct {
	name            string
	bpm             *storage.BufferPoolManager
	comparator      Comparator
	keySize         int
	leafMaxSize     int
	internalMaxSize int

	// rootMu is the tree-wide root latch. Structure-modifying descents hold
	// it from the start until they pass a safe node, so root replacement is
	// mutually exclusive with any other structure-modifying descent. Whether
	// a descent holds it is carried on its TransactionContext.
	rootMu sync.Mutex
	// root caches the root page id. Writers update it under rootMu; readers
	// load it atomically at the top of their descent.
	root atomic.Int32
}

// NewBPlusTree opens (or registers) the index called name. The root page id
// is loaded from the header page; a missing record is created with an invalid
// root, i.e. an empty tree. Passing zero for leafMaxSize or internalMaxSize
// selects the page capacity for the key width.
func NewBPlusTree(name string, bpm *storage.BufferPoolManager, cmp Comparator,
	keySize, leafMaxSize, internalMaxSize int) (*BPlusTree, error) {
	common.Assert(len(name) > 0 && len(name) <= common.IndexNameLength,
		"index name %q must be 1..%d bytes", name, common.IndexNameLength)
	common.Assert(keySize > 0, "key size must be positive")
	if leafMaxSize == 0 {
		leafMaxSize = LeafCapacity(keySize)
	}
	if internalMaxSize == 0 {
		internalMaxSize = InternalCapacity(keySize)
	}
	common.Assert(leafMaxSize >= 2 && leafMaxSize <= LeafCapacity(keySize),
		"leaf max size %d out of range", leafMaxSize)
	common.Assert(internalMaxSize >= 3 && internalMaxSize <= InternalCapacity(keySize),
		"internal max size %d out of range", internalMaxSize)

	t := &BPlusTree{
		name:            name,
		bpm:             bpm,
		comparator:      cmp,
		keySize:         keySize,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
	}

	frame, err := bpm.FetchPage(common.HeaderPageID)
	if err != nil {
		return nil, err
	}
	frame.WLatch()
	header := AsHeaderPage(frame)
	rootID, ok := header.RootPageID(name)
	created := false
	if !ok {
		if !header.InsertRecord(name, common.InvalidPageID) {
			frame.WUnlatch()
			bpm.UnpinPage(common.HeaderPageID, false)
			return nil, common.NewError(common.DuplicateIndexError,
				"header page cannot register index %q", name)
		}
		rootID = common.InvalidPageID
		created = true
	}
	frame.WUnlatch()
	bpm.UnpinPage(common.HeaderPageID, created)

	t.root.Store(int32(rootID))
	return t, nil
}

// Name returns the index name under which the root id is persisted.
func (t *BPlusTree) Name() string { return t.name }

// KeySize returns the fixed key width in bytes.
func (t *BPlusTree) KeySize() int { return t.keySize }

// RootPageID returns the current root page id, or common.InvalidPageID for an
// empty tree.
func (t *BPlusTree) RootPageID() common.PageID {
	return common.PageID(t.root.Load())
}

// IsEmpty reports whether the tree has no root.
func (t *BPlusTree) IsEmpty() bool {
	return t.RootPageID().IsNil()
}

func (t *BPlusTree) setRootID(id common.PageID) {
	t.root.Store(int32(id))
}

// updateRootRecord persists the current root id under the index name in the
// header page. Called whenever the root changes.
func (t *BPlusTree) updateRootRecord() error {
	frame, err := t.bpm.FetchPage(common.HeaderPageID)
	if err != nil {
		return err
	}
	frame.WLatch()
	ok := AsHeaderPage(frame).UpdateRecord(t.name, t.RootPageID())
	frame.WUnlatch()
	common.Assert(ok, "index %q has no header record", t.name)
	t.bpm.UnpinPage(common.HeaderPageID, true)
	return nil
}

// isSafe reports whether a node's mutation cannot propagate upward: an insert
// into a non-full node, or a delete from a node comfortably above minimum.
func (t *BPlusTree) isSafe(node TreePage, op operation) bool {
	switch op {
	case opInsert:
		return node.Size() < node.MaxSize()
	case opDelete:
		return node.Size() > node.MinSize()+1
	}
	return true
}

// releaseAll releases every latch this descent holds, in acquisition order,
// unpins the pages (dirty iff the operation writes), deletes any pages the
// operation emptied, and drops the tree-wide root latch if held. Safe to call
// more than once; the second call is a no-op.
func (t *BPlusTree) releaseAll(op operation, txn *transaction.TransactionContext) {
	for _, page := range txn.Pages() {
		if op == opRead {
			page.RUnlatch()
			t.bpm.UnpinPage(page.ID(), false)
		} else {
			page.WUnlatch()
			t.bpm.UnpinPage(page.ID(), true)
		}
	}
	txn.ClearPages()

	for _, pageID := range txn.Deleted() {
		t.bpm.DeletePage(pageID)
	}
	txn.ClearDeleted()

	if txn.RootLatched() {
		txn.SetRootLatched(false)
		t.rootMu.Unlock()
	}
}

// findLeafPage descends from the root to the leaf covering key (or the
// leftmost leaf), latching with crabbing in the operation's mode. On return
// the leaf is latched and recorded in the transaction's page set; the caller
// releases everything through releaseAll exactly once. A zero LeafPage means
// the tree is empty — for write operations the root latch is still held so
// the caller can grow the tree before releasing.
//
// On error every acquired latch and pin has already been released.
func (t *BPlusTree) findLeafPage(key []byte, leftMost bool, op operation,
	txn *transaction.TransactionContext) (LeafPage, error) {
	if op != opRead {
		t.rootMu.Lock()
		txn.SetRootLatched(true)
	}

	var frame *storage.Page
	for {
		rootID := t.RootPageID()
		if rootID.IsNil() {
			return LeafPage{}, nil
		}
		var err error
		frame, err = t.bpm.FetchPage(rootID)
		if err != nil {
			t.releaseAll(op, txn)
			return LeafPage{}, err
		}
		if op == opRead {
			frame.RLatch()
			// The root may have been replaced between the id load and the
			// latch; retry on the fresh root if so.
			if t.RootPageID() != rootID {
				frame.RUnlatch()
				t.bpm.UnpinPage(rootID, false)
				continue
			}
		} else {
			frame.WLatch()
		}
		break
	}
	txn.AddPage(frame)
	node := AsTreePage(frame)

	for !node.IsLeaf() {
		internal := AsInternalPage(frame, t.keySize)
		var childID common.PageID
		if leftMost {
			childID = internal.ValueAt(0)
		} else {
			childID = internal.Lookup(key, t.comparator)
		}

		childFrame, err := t.bpm.FetchPage(childID)
		if err != nil {
			t.releaseAll(op, txn)
			return LeafPage{}, err
		}
		if op == opRead {
			childFrame.RLatch()
			t.releaseAll(op, txn)
		} else {
			childFrame.WLatch()
			if t.isSafe(AsTreePage(childFrame), op) {
				t.releaseAll(op, txn)
			}
		}
		txn.AddPage(childFrame)
		frame = childFrame
		node = AsTreePage(frame)
	}

	return AsLeafPage(frame, t.keySize), nil
}

// GetValue performs a point lookup. The bool reports whether the key exists.
func (t *BPlusTree) GetValue(key []byte, txn *transaction.TransactionContext) (common.RecordID, bool, error) {
	common.Assert(len(key) == t.keySize, "key width %d does not match index", len(key))
	if txn == nil {
		txn = transaction.NewContext()
	}

	leaf, err := t.findLeafPage(key, false, opRead, txn)
	if err != nil {
		return common.RecordID{}, false, err
	}
	if leaf.Page == nil {
		return common.RecordID{}, false, nil
	}
	rid, found := leaf.Lookup(key, t.comparator)
	t.releaseAll(opRead, txn)
	return rid, found, nil
}

// Insert adds the pair to the tree. Returns false without modification when
// the key already exists.
func (t *BPlusTree) Insert(key []byte, rid common.RecordID, txn *transaction.TransactionContext) (bool, error) {
	common.Assert(len(key) == t.keySize, "key width %d does not match index", len(key))
	if txn == nil {
		txn = transaction.NewContext()
	}

	leaf, err := t.findLeafPage(key, false, opInsert, txn)
	if err != nil {
		return false, err
	}
	if leaf.Page == nil {
		// Empty tree; the root latch is still held, so the root creation is
		// serialized against every other structure modification.
		err := t.startNewTree(key, rid)
		t.releaseAll(opInsert, txn)
		return err == nil, err
	}

	if _, exists := leaf.Lookup(key, t.comparator); exists {
		t.releaseAll(opInsert, txn)
		return false, nil
	}

	if leaf.Size() < leaf.MaxSize() {
		leaf.Insert(key, rid, t.comparator)
		t.releaseAll(opInsert, txn)
		return true, nil
	}

	// Split: the upper half moves to a new right sibling, the new pair lands
	// in whichever side covers it, and the sibling's first key goes up.
	siblingFrame, err := t.bpm.NewPage()
	if err != nil {
		t.releaseAll(opInsert, txn)
		return false, err
	}
	sibling := AsLeafPage(siblingFrame, t.keySize)
	sibling.Init(siblingFrame.ID(), leaf.ParentPageID(), t.leafMaxSize)
	leaf.MoveHalfTo(sibling)
	if t.comparator(key, sibling.KeyAt(0)) < 0 {
		leaf.Insert(key, rid, t.comparator)
	} else {
		sibling.Insert(key, rid, t.comparator)
	}
	sibling.SetNextPageID(leaf.NextPageID())
	leaf.SetNextPageID(sibling.ID())

	separator := copyKey(sibling.KeyAt(0))
	err = t.insertIntoParent(leaf.TreePage, separator, sibling.TreePage, txn)
	t.releaseAll(opInsert, txn)
	return err == nil, err
}

// startNewTree creates a leaf root holding the single pair and persists the
// new root id. Callers must hold the root latch.
func (t *BPlusTree) startNewTree(key []byte, rid common.RecordID) error {
	frame, err := t.bpm.NewPage()
	if err != nil {
		return err
	}
	root := AsLeafPage(frame, t.keySize)
	root.Init(frame.ID(), common.InvalidPageID, t.leafMaxSize)
	root.Insert(key, rid, t.comparator)
	t.setRootID(frame.ID())
	err = t.updateRootRecord()
	t.bpm.UnpinPage(frame.ID(), true)
	return err
}

// insertIntoParent links a freshly split right sibling under left's parent,
// splitting the parent in turn when it is full. right is unpinned before
// returning, in every branch; left stays pinned for the caller.
func (t *BPlusTree) insertIntoParent(left TreePage, key []byte, right TreePage,
	txn *transaction.TransactionContext) error {
	if left.IsRoot() {
		rootFrame, err := t.bpm.NewPage()
		if err != nil {
			t.bpm.UnpinPage(right.ID(), true)
			return err
		}
		root := AsInternalPage(rootFrame, t.keySize)
		root.Init(rootFrame.ID(), common.InvalidPageID, t.internalMaxSize)
		root.PopulateNewRoot(left.ID(), key, right.ID())
		left.SetParentPageID(root.ID())
		right.SetParentPageID(root.ID())
		t.setRootID(root.ID())
		err = t.updateRootRecord()
		t.bpm.UnpinPage(right.ID(), true)
		t.bpm.UnpinPage(root.ID(), true)
		return err
	}

	parentFrame, err := t.bpm.FetchPage(left.ParentPageID())
	if err != nil {
		t.bpm.UnpinPage(right.ID(), true)
		return err
	}
	parent := AsInternalPage(parentFrame, t.keySize)

	if parent.Size() < parent.MaxSize() {
		parent.InsertNodeAfter(left.ID(), key, right.ID())
		right.SetParentPageID(parent.ID())
		t.bpm.UnpinPage(right.ID(), true)
		t.bpm.UnpinPage(parent.ID(), true)
		return nil
	}

	// The parent is full. Build an oversize copy of its slots with the new
	// pair already in place, then split the copy across the parent and a new
	// sibling.
	type scratchEntry struct {
		key   []byte
		child common.PageID
	}
	size := parent.Size()
	scratch := make([]scratchEntry, 0, size+1)
	insertPos := -1
	for i := 0; i < size; i++ {
		scratch = append(scratch, scratchEntry{copyKey(parent.KeyAt(i)), parent.ValueAt(i)})
		if parent.ValueAt(i) == left.ID() {
			insertPos = len(scratch)
			scratch = append(scratch, scratchEntry{copyKey(key), right.ID()})
		}
	}
	common.Assert(insertPos > 0, "split child %s not found in its parent", left.ID())

	siblingFrame, err := t.bpm.NewPage()
	if err != nil {
		t.bpm.UnpinPage(right.ID(), true)
		t.bpm.UnpinPage(parent.ID(), false)
		return err
	}
	sibling := AsInternalPage(siblingFrame, t.keySize)
	sibling.Init(siblingFrame.ID(), parent.ParentPageID(), t.internalMaxSize)

	// The right half, including its slot-0 child, moves to the sibling; its
	// first key doubles as the separator pushed up.
	rightCount := (t.internalMaxSize + 1) / 2
	leftCount := len(scratch) - rightCount
	parent.SetSize(leftCount)
	for i := 0; i < leftCount; i++ {
		parent.setPairAt(i, scratch[i].key, scratch[i].child)
	}
	sibling.SetSize(rightCount)
	for i := 0; i < rightCount; i++ {
		sibling.setPairAt(i, scratch[leftCount+i].key, scratch[leftCount+i].child)
	}
	for i := 0; i < rightCount; i++ {
		if err := sibling.adoptChild(scratch[leftCount+i].child, t.bpm); err != nil {
			t.bpm.UnpinPage(right.ID(), true)
			t.bpm.UnpinPage(sibling.ID(), true)
			t.bpm.UnpinPage(parent.ID(), true)
			return err
		}
	}
	if insertPos < leftCount {
		right.SetParentPageID(parent.ID())
	}
	t.bpm.UnpinPage(right.ID(), true)

	separator := copyKey(sibling.KeyAt(0))
	err = t.insertIntoParent(parent.TreePage, separator, sibling.TreePage, txn)
	t.bpm.UnpinPage(parent.ID(), true)
	return err
}

// Remove deletes the key from the tree. A missing key is a silent no-op.
func (t *BPlusTree) Remove(key []byte, txn *transaction.TransactionContext) error {
	common.Assert(len(key) == t.keySize, "key width %d does not match index", len(key))
	if txn == nil {
		txn = transaction.NewContext()
	}

	leaf, err := t.findLeafPage(key, false, opDelete, txn)
	if err != nil {
		return err
	}
	if leaf.Page == nil {
		t.releaseAll(opDelete, txn)
		return nil
	}

	sizeBefore := leaf.Size()
	if leaf.Remove(key, t.comparator) != sizeBefore {
		deleteLeaf, err := t.coalesceOrRedistribute(leaf.TreePage, txn)
		if err != nil {
			t.releaseAll(opDelete, txn)
			return err
		}
		if deleteLeaf {
			txn.AddDeleted(leaf.ID())
		}
	}
	t.releaseAll(opDelete, txn)
	return nil
}

// coalesceOrRedistribute restores the minimum-occupancy invariant for an
// underflowing node by borrowing from or merging with a sibling. Returns true
// when the node itself has been emptied and must be deleted by the caller.
func (t *BPlusTree) coalesceOrRedistribute(node TreePage,
	txn *transaction.TransactionContext) (bool, error) {
	if node.IsRoot() {
		return t.adjustRoot(node)
	}
	if node.IsLeaf() {
		if node.Size() >= node.MinSize() {
			return false, nil
		}
	} else if node.Size() > node.MinSize() {
		return false, nil
	}

	parentFrame, err := t.bpm.FetchPage(node.ParentPageID())
	if err != nil {
		return false, err
	}
	parent := AsInternalPage(parentFrame, t.keySize)
	index := parent.ValueIndex(node.ID())
	common.Assert(index < parent.Size(), "underflowing node %s not found in its parent", node.ID())

	// Pick the right sibling only for the leftmost child, the left sibling
	// otherwise, and write-latch it for the rest of the operation.
	var siblingID common.PageID
	if index == 0 {
		siblingID = parent.ValueAt(1)
	} else {
		siblingID = parent.ValueAt(index - 1)
	}
	siblingFrame, err := t.bpm.FetchPage(siblingID)
	if err != nil {
		t.bpm.UnpinPage(parent.ID(), false)
		return false, err
	}
	siblingFrame.WLatch()
	txn.AddPage(siblingFrame)
	sibling := AsTreePage(siblingFrame)

	if sibling.Size()+node.Size() > node.MaxSize() {
		// Redistribute one entry and let the parent separator track it.
		if index == 0 {
			if node.IsLeaf() {
				err = AsLeafPage(siblingFrame, t.keySize).MoveFirstToEndOf(AsLeafPage(node.Page, t.keySize), t.bpm)
			} else {
				err = AsInternalPage(siblingFrame, t.keySize).MoveFirstToEndOf(AsInternalPage(node.Page, t.keySize), t.bpm)
			}
		} else {
			if node.IsLeaf() {
				err = AsLeafPage(siblingFrame, t.keySize).MoveLastToFrontOf(AsLeafPage(node.Page, t.keySize), index, t.bpm)
			} else {
				err = AsInternalPage(siblingFrame, t.keySize).MoveLastToFrontOf(AsInternalPage(node.Page, t.keySize), index, t.bpm)
			}
		}
		t.bpm.UnpinPage(parent.ID(), true)
		return false, err
	}

	// Coalesce: the right node of the pair merges into the left, and the
	// separator between them leaves the parent.
	deleteNode := false
	if index == 0 {
		if node.IsLeaf() {
			AsLeafPage(siblingFrame, t.keySize).MoveAllTo(AsLeafPage(node.Page, t.keySize))
		} else {
			err = AsInternalPage(siblingFrame, t.keySize).MoveAllTo(AsInternalPage(node.Page, t.keySize), 1, t.bpm)
		}
		parent.Remove(1)
		txn.AddDeleted(siblingID)
	} else {
		if node.IsLeaf() {
			AsLeafPage(node.Page, t.keySize).MoveAllTo(AsLeafPage(siblingFrame, t.keySize))
		} else {
			err = AsInternalPage(node.Page, t.keySize).MoveAllTo(AsInternalPage(siblingFrame, t.keySize), index, t.bpm)
		}
		parent.Remove(index)
		deleteNode = true
	}
	if err != nil {
		t.bpm.UnpinPage(parent.ID(), true)
		return deleteNode, err
	}

	parentDeleted, err := t.coalesceOrRedistribute(parent.TreePage, txn)
	if parentDeleted {
		txn.AddDeleted(parent.ID())
	}
	t.bpm.UnpinPage(parent.ID(), true)
	return deleteNode, err
}

// adjustRoot handles underflow at the root: an emptied leaf root makes the
// tree empty, and an internal root left with a single child promotes that
// child. Returns true when the old root must be deleted.
func (t *BPlusTree) adjustRoot(oldRoot TreePage) (bool, error) {
	if oldRoot.IsLeaf() {
		if oldRoot.Size() == 0 {
			t.setRootID(common.InvalidPageID)
			return true, t.updateRootRecord()
		}
		return false, nil
	}

	if oldRoot.Size() == 1 {
		newRootID := AsInternalPage(oldRoot.Page, t.keySize).RemoveAndReturnOnlyChild()
		t.setRootID(newRootID)
		if err := t.updateRootRecord(); err != nil {
			return true, err
		}
		frame, err := t.bpm.FetchPage(newRootID)
		if err != nil {
			return true, err
		}
		AsTreePage(frame).SetParentPageID(common.InvalidPageID)
		t.bpm.UnpinPage(newRootID, true)
		return true, nil
	}
	return false, nil
}

// Destroy deletes every page of the tree and removes its header record. The
// caller must ensure no other operation is running against the index.
func (t *BPlusTree) Destroy() error {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	if rootID := t.RootPageID(); !rootID.IsNil() {
		if err := t.destroySubtree(rootID); err != nil {
			return err
		}
		t.setRootID(common.InvalidPageID)
	}

	frame, err := t.bpm.FetchPage(common.HeaderPageID)
	if err != nil {
		return err
	}
	frame.WLatch()
	AsHeaderPage(frame).DeleteRecord(t.name)
	frame.WUnlatch()
	t.bpm.UnpinPage(common.HeaderPageID, true)
	return nil
}

func (t *BPlusTree) destroySubtree(pageID common.PageID) error {
	frame, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return err
	}
	node := AsTreePage(frame)
	var children []common.PageID
	if !node.IsLeaf() {
		internal := AsInternalPage(frame, t.keySize)
		children = make([]common.PageID, internal.Size())
		for i := range children {
			children[i] = internal.ValueAt(i)
		}
	}
	t.bpm.UnpinPage(pageID, false)

	for _, child := range children {
		if err := t.destroySubtree(child); err != nil {
			return err
		}
	}
	t.bpm.DeletePage(pageID)
	return nil
}
