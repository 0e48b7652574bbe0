package indexing

import (
	"encoding/binary"

	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/storage"
)

// Leaf node layout: the common header, then next_page_id (4) at byte 24, then
// the ordered array of (key, RecordID) pairs from byte 28. Keys are strictly
// increasing; next_page_id links the leaves in ascending key order.
const (
	offsetNextPageID  = nodeHeaderSize
	leafPayloadOffset = nodeHeaderSize + 4
)

// LeafPage interprets a pinned page as a B+-tree leaf with fixed-width keys.
type LeafPage struct {
	TreePage
	keySize int
}

// AsLeafPage wraps a pinned page as a leaf node.
func AsLeafPage(p *storage.Page, keySize int) LeafPage {
	return LeafPage{TreePage: AsTreePage(p), keySize: keySize}
}

// LeafCapacity returns how many (key, RecordID) pairs fit in one leaf page
// for the given key width.
func LeafCapacity(keySize int) int {
	return (common.PageSize - leafPayloadOffset) / (keySize + common.RecordIDSize)
}

// Init formats the page as an empty leaf.
func (lp LeafPage) Init(id, parent common.PageID, maxSize int) {
	lp.initHeader(pageTypeLeaf, id, parent, 0, maxSize)
	lp.SetNextPageID(common.InvalidPageID)
}

// NextPageID returns the id of the right sibling leaf, or
// common.InvalidPageID for the rightmost leaf.
func (lp LeafPage) NextPageID() common.PageID {
	return common.PageID(binary.LittleEndian.Uint32(lp.Data[offsetNextPageID:]))
}

func (lp LeafPage) SetNextPageID(id common.PageID) {
	binary.LittleEndian.PutUint32(lp.Data[offsetNextPageID:], uint32(id))
}

func (lp LeafPage) pairSize() int {
	return lp.keySize + common.RecordIDSize
}

func (lp LeafPage) pairOffset(index int) int {
	return leafPayloadOffset + index*lp.pairSize()
}

// KeyAt returns the key at the given slot. The slice aliases the page buffer;
// callers that outlive the latch must copy it.
func (lp LeafPage) KeyAt(index int) []byte {
	common.Assert(0 <= index && index < lp.Size(), "leaf key index %d out of range", index)
	off := lp.pairOffset(index)
	return lp.Data[off : off+lp.keySize]
}

// ValueAt returns the RecordID at the given slot.
func (lp LeafPage) ValueAt(index int) common.RecordID {
	common.Assert(0 <= index && index < lp.Size(), "leaf value index %d out of range", index)
	var rid common.RecordID
	rid.LoadFrom(lp.Data[lp.pairOffset(index)+lp.keySize:])
	return rid
}

func (lp LeafPage) setPairAt(index int, key []byte, rid common.RecordID) {
	off := lp.pairOffset(index)
	copy(lp.Data[off:off+lp.keySize], key)
	rid.WriteTo(lp.Data[off+lp.keySize:])
}

// KeyIndex returns the first slot whose key is >= the given key, or Size()
// when every key is smaller.
func (lp LeafPage) KeyIndex(key []byte, cmp Comparator) int {
	low, high := 0, lp.Size()
	for low < high {
		mid := low + (high-low)/2
		if cmp(lp.KeyAt(mid), key) < 0 {
			low = mid + 1
		} else {
			high = mid
		}
	}
	return low
}

// Lookup binary-searches the leaf for the key.
func (lp LeafPage) Lookup(key []byte, cmp Comparator) (common.RecordID, bool) {
	index := lp.KeyIndex(key, cmp)
	if index < lp.Size() && cmp(lp.KeyAt(index), key) == 0 {
		return lp.ValueAt(index), true
	}
	return common.RecordID{}, false
}

// Insert places the pair at its ordered position and returns the new size.
// The key must not already be present.
func (lp LeafPage) Insert(key []byte, rid common.RecordID, cmp Comparator) int {
	size := lp.Size()
	common.Assert(size < lp.MaxSize(), "inserting into a full leaf")
	index := lp.KeyIndex(key, cmp)
	common.Assert(index == size || cmp(lp.KeyAt(index), key) != 0, "inserting a duplicate key")

	start := lp.pairOffset(index)
	end := lp.pairOffset(size)
	copy(lp.Data[start+lp.pairSize():end+lp.pairSize()], lp.Data[start:end])
	lp.SetSize(size + 1)
	lp.setPairAt(index, key, rid)
	return lp.Size()
}

func (lp LeafPage) removeAt(index int) {
	size := lp.Size()
	start := lp.pairOffset(index)
	end := lp.pairOffset(size)
	copy(lp.Data[start:], lp.Data[start+lp.pairSize():end])
	lp.SetSize(size - 1)
}

// Remove deletes the key if present, keeping the pairs contiguous, and
// returns the size afterwards.
func (lp LeafPage) Remove(key []byte, cmp Comparator) int {
	index := lp.KeyIndex(key, cmp)
	if index < lp.Size() && cmp(lp.KeyAt(index), key) == 0 {
		lp.removeAt(index)
	}
	return lp.Size()
}

// appendFrom copies count pairs starting at slot from in src onto the end of
// this leaf.
func (lp LeafPage) appendFrom(src LeafPage, from, count int) {
	common.Assert(lp.Size()+count <= lp.MaxSize(), "leaf overflow while copying pairs")
	dst := lp.pairOffset(lp.Size())
	start := src.pairOffset(from)
	end := src.pairOffset(from + count)
	copy(lp.Data[dst:], src.Data[start:end])
	lp.IncreaseSize(count)
}

// MoveHalfTo moves the upper half of this leaf's pairs to the (empty)
// recipient created by a split.
func (lp LeafPage) MoveHalfTo(recipient LeafPage) {
	size := lp.Size()
	common.Assert(size > 0, "splitting an empty leaf")
	moved := size / 2
	recipient.appendFrom(lp, size-moved, moved)
	lp.SetSize(size - moved)
}

// MoveAllTo merges every pair of this leaf into the recipient (its left
// sibling) and passes on the next-leaf link.
func (lp LeafPage) MoveAllTo(recipient LeafPage) {
	recipient.appendFrom(lp, 0, lp.Size())
	recipient.SetNextPageID(lp.NextPageID())
	lp.SetSize(0)
}

// MoveFirstToEndOf moves this leaf's first pair to the end of the recipient
// (its left sibling) and refreshes this leaf's separator key in the parent.
func (lp LeafPage) MoveFirstToEndOf(recipient LeafPage, bpm *storage.BufferPoolManager) error {
	key := copyKey(lp.KeyAt(0))
	rid := lp.ValueAt(0)
	lp.removeAt(0)
	recipient.CopyLastFrom(key, rid)

	parentFrame, err := bpm.FetchPage(lp.ParentPageID())
	if err != nil {
		return err
	}
	parent := AsInternalPage(parentFrame, lp.keySize)
	parent.SetKeyAt(parent.ValueIndex(lp.ID()), lp.KeyAt(0))
	bpm.UnpinPage(parent.ID(), true)
	return nil
}

// CopyLastFrom appends the pair to this leaf.
func (lp LeafPage) CopyLastFrom(key []byte, rid common.RecordID) {
	common.Assert(lp.Size() < lp.MaxSize(), "leaf overflow in CopyLastFrom")
	lp.IncreaseSize(1)
	lp.setPairAt(lp.Size()-1, key, rid)
}

// MoveLastToFrontOf moves this leaf's last pair to the front of the recipient
// (its right sibling). parentIndex is the recipient's slot in the parent,
// whose separator becomes the moved key.
func (lp LeafPage) MoveLastToFrontOf(recipient LeafPage, parentIndex int, bpm *storage.BufferPoolManager) error {
	last := lp.Size() - 1
	key := copyKey(lp.KeyAt(last))
	rid := lp.ValueAt(last)
	lp.SetSize(last)
	return recipient.CopyFirstFrom(key, rid, parentIndex, bpm)
}

// CopyFirstFrom prepends the pair to this leaf and rewrites this leaf's
// separator in the parent to the new first key.
func (lp LeafPage) CopyFirstFrom(key []byte, rid common.RecordID, parentIndex int, bpm *storage.BufferPoolManager) error {
	common.Assert(lp.Size() < lp.MaxSize(), "leaf overflow in CopyFirstFrom")
	start := lp.pairOffset(0)
	end := lp.pairOffset(lp.Size())
	copy(lp.Data[start+lp.pairSize():end+lp.pairSize()], lp.Data[start:end])
	lp.IncreaseSize(1)
	lp.setPairAt(0, key, rid)

	parentFrame, err := bpm.FetchPage(lp.ParentPageID())
	if err != nil {
		return err
	}
	parent := AsInternalPage(parentFrame, lp.keySize)
	parent.SetKeyAt(parentIndex, key)
	bpm.UnpinPage(parent.ID(), true)
	return nil
}
