package indexing

import (
	"encoding/binary"

	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/storage"
)

// Internal node layout: the common header, then the ordered array of
// (key, child_page_id) pairs from byte 24. Slot 0's key is a sentinel and is
// never compared; slot 0's value is the leftmost child. Size counts valid
// slots including slot 0.
const internalPayloadOffset = nodeHeaderSize

// internalPageIDSize is the width of a child page id inside a pair.
const internalPageIDSize = 4

// InternalPage interprets a pinned page as a B+-tree internal node.
type InternalPage struct {
	TreePage
	keySize int
}

// AsInternalPage wraps a pinned page as an internal node.
func AsInternalPage(p *storage.Page, keySize int) InternalPage {
	return InternalPage{TreePage: AsTreePage(p), keySize: keySize}
}

// InternalCapacity returns how many (key, child) pairs fit in one internal
// page for the given key width.
func InternalCapacity(keySize int) int {
	return (common.PageSize - internalPayloadOffset) / (keySize + internalPageIDSize)
}

// Init formats the page as an internal node holding only the sentinel slot.
func (ip InternalPage) Init(id, parent common.PageID, maxSize int) {
	ip.initHeader(pageTypeInternal, id, parent, 1, maxSize)
}

func (ip InternalPage) pairSize() int {
	return ip.keySize + internalPageIDSize
}

func (ip InternalPage) pairOffset(index int) int {
	return internalPayloadOffset + index*ip.pairSize()
}

// KeyAt returns the key at the given slot. Slot 0's key is the sentinel and
// carries no meaning. The slice aliases the page buffer.
func (ip InternalPage) KeyAt(index int) []byte {
	common.Assert(0 <= index && index < ip.Size(), "internal key index %d out of range", index)
	off := ip.pairOffset(index)
	return ip.Data[off : off+ip.keySize]
}

// SetKeyAt overwrites the key at the given slot.
func (ip InternalPage) SetKeyAt(index int, key []byte) {
	common.Assert(0 <= index && index < ip.Size(), "internal key index %d out of range", index)
	off := ip.pairOffset(index)
	copy(ip.Data[off:off+ip.keySize], key)
}

// ValueAt returns the child page id at the given slot.
func (ip InternalPage) ValueAt(index int) common.PageID {
	common.Assert(0 <= index && index < ip.Size(), "internal value index %d out of range", index)
	off := ip.pairOffset(index) + ip.keySize
	return common.PageID(binary.LittleEndian.Uint32(ip.Data[off:]))
}

// SetValueAt overwrites the child page id at the given slot.
func (ip InternalPage) SetValueAt(index int, value common.PageID) {
	common.Assert(0 <= index && index < ip.Size(), "internal value index %d out of range", index)
	off := ip.pairOffset(index) + ip.keySize
	binary.LittleEndian.PutUint32(ip.Data[off:], uint32(value))
}

func (ip InternalPage) setPairAt(index int, key []byte, value common.PageID) {
	off := ip.pairOffset(index)
	copy(ip.Data[off:off+ip.keySize], key)
	binary.LittleEndian.PutUint32(ip.Data[off+ip.keySize:], uint32(value))
}

// ValueIndex returns the slot whose child id equals value, or Size() when no
// slot matches.
func (ip InternalPage) ValueIndex(value common.PageID) int {
	for i := 0; i < ip.Size(); i++ {
		if ip.ValueAt(i) == value {
			return i
		}
	}
	return ip.Size()
}

// Lookup returns the child page id covering the key. The search starts at
// slot 1; slot 0's key is never compared.
func (ip InternalPage) Lookup(key []byte, cmp Comparator) common.PageID {
	size := ip.Size()
	common.Assert(size > 1, "lookup in an internal node with no separators")
	if cmp(key, ip.KeyAt(1)) < 0 {
		return ip.ValueAt(0)
	}
	if cmp(key, ip.KeyAt(size-1)) >= 0 {
		return ip.ValueAt(size - 1)
	}
	low, high := 1, size-1
	for low <= high {
		mid := low + (high-low)/2
		c := cmp(key, ip.KeyAt(mid))
		if c < 0 {
			high = mid - 1
		} else if c > 0 {
			low = mid + 1
		} else {
			return ip.ValueAt(mid)
		}
	}
	return ip.ValueAt(low - 1)
}

// PopulateNewRoot fills a freshly initialized node with the two children of a
// root split: the old root on the sentinel slot and the new sibling under the
// separator key.
func (ip InternalPage) PopulateNewRoot(oldChild common.PageID, key []byte, newChild common.PageID) {
	common.Assert(ip.Size() == 1, "populating a non-empty root")
	ip.SetValueAt(0, oldChild)
	ip.IncreaseSize(1)
	ip.setPairAt(1, key, newChild)
}

// InsertNodeAfter inserts (key, newValue) directly after the slot whose value
// is oldValue and returns the new size.
func (ip InternalPage) InsertNodeAfter(oldValue common.PageID, key []byte, newValue common.PageID) int {
	size := ip.Size()
	common.Assert(size < ip.MaxSize(), "inserting into a full internal node")
	index := ip.ValueIndex(oldValue)
	common.Assert(index < size, "InsertNodeAfter: %s is not a child", oldValue)

	start := ip.pairOffset(index + 1)
	end := ip.pairOffset(size)
	copy(ip.Data[start+ip.pairSize():end+ip.pairSize()], ip.Data[start:end])
	ip.SetSize(size + 1)
	ip.setPairAt(index+1, key, newValue)
	return ip.Size()
}

// Remove deletes the slot at index, keeping the pairs contiguous.
func (ip InternalPage) Remove(index int) {
	size := ip.Size()
	common.Assert(0 <= index && index < size, "internal remove index %d out of range", index)
	start := ip.pairOffset(index)
	end := ip.pairOffset(size)
	copy(ip.Data[start:], ip.Data[start+ip.pairSize():end])
	ip.SetSize(size - 1)
}

// RemoveAndReturnOnlyChild removes the sentinel slot and returns its child.
// Only valid when the node has shrunk to a single child during root
// adjustment.
func (ip InternalPage) RemoveAndReturnOnlyChild() common.PageID {
	common.Assert(ip.Size() == 1, "node still has separators")
	child := ip.ValueAt(0)
	ip.SetSize(0)
	return child
}

// adoptChild rewrites the parent pointer of the child page to this node.
func (ip InternalPage) adoptChild(childID common.PageID, bpm *storage.BufferPoolManager) error {
	frame, err := bpm.FetchPage(childID)
	if err != nil {
		return err
	}
	AsTreePage(frame).SetParentPageID(ip.ID())
	bpm.UnpinPage(childID, true)
	return nil
}

// appendFrom copies count pairs starting at slot from in src onto the end of
// this node, without adopting the children.
func (ip InternalPage) appendFrom(src InternalPage, from, count int) {
	common.Assert(ip.Size()+count <= ip.MaxSize(), "internal overflow while copying pairs")
	dst := ip.pairOffset(ip.Size())
	start := src.pairOffset(from)
	end := src.pairOffset(from + count)
	copy(ip.Data[dst:], src.Data[start:end])
	ip.IncreaseSize(count)
}

// MoveAllTo merges every slot of this node, sentinel included, into the
// recipient (its left sibling). indexInParent is this node's slot in the
// parent; the separator stored there becomes the sentinel slot's key so the
// merged node stays ordered. All moved children are adopted by the recipient.
func (ip InternalPage) MoveAllTo(recipient InternalPage, indexInParent int, bpm *storage.BufferPoolManager) error {
	parentFrame, err := bpm.FetchPage(ip.ParentPageID())
	if err != nil {
		return err
	}
	parent := AsInternalPage(parentFrame, ip.keySize)
	common.Assert(parent.ValueAt(indexInParent) == ip.ID(), "parent slot %d does not hold this node", indexInParent)
	ip.SetKeyAt(0, parent.KeyAt(indexInParent))
	bpm.UnpinPage(parent.ID(), false)

	moved := ip.Size()
	recipient.appendFrom(ip, 0, moved)
	for i := 0; i < moved; i++ {
		if err := recipient.adoptChild(ip.ValueAt(i), bpm); err != nil {
			return err
		}
	}
	ip.SetSize(0)
	return nil
}

// MoveFirstToEndOf rotates this node's leftmost child to the end of the
// recipient (its left sibling), pulling the old separator down from the
// parent and pushing this node's first real key up in its place.
func (ip InternalPage) MoveFirstToEndOf(recipient InternalPage, bpm *storage.BufferPoolManager) error {
	common.Assert(ip.Size() > 1, "rotating out of a node with no separators")
	key := copyKey(ip.KeyAt(1))
	childID := ip.ValueAt(0)
	ip.SetValueAt(0, ip.ValueAt(1))
	ip.Remove(1)

	if err := recipient.CopyLastFrom(key, childID, bpm); err != nil {
		return err
	}
	return recipient.adoptChild(childID, bpm)
}

// CopyLastFrom appends a child at the end of this node. The appended slot's
// key is the separator the parent currently holds for this node's right
// sibling boundary; that separator is replaced by the rotated key.
func (ip InternalPage) CopyLastFrom(key []byte, value common.PageID, bpm *storage.BufferPoolManager) error {
	common.Assert(ip.Size() < ip.MaxSize(), "internal overflow in CopyLastFrom")
	parentFrame, err := bpm.FetchPage(ip.ParentPageID())
	if err != nil {
		return err
	}
	parent := AsInternalPage(parentFrame, ip.keySize)
	index := parent.ValueIndex(ip.ID())
	separator := copyKey(parent.KeyAt(index + 1))

	ip.IncreaseSize(1)
	ip.setPairAt(ip.Size()-1, separator, value)
	parent.SetKeyAt(index+1, key)
	bpm.UnpinPage(parent.ID(), true)
	return nil
}

// MoveLastToFrontOf rotates this node's rightmost child to the front of the
// recipient (its right sibling). parentIndex is the recipient's slot in the
// parent.
func (ip InternalPage) MoveLastToFrontOf(recipient InternalPage, parentIndex int, bpm *storage.BufferPoolManager) error {
	common.Assert(ip.Size() > 1, "rotating out of a node with no separators")
	last := ip.Size() - 1
	key := copyKey(ip.KeyAt(last))
	childID := ip.ValueAt(last)
	ip.SetSize(last)

	if err := recipient.CopyFirstFrom(key, childID, parentIndex, bpm); err != nil {
		return err
	}
	return recipient.adoptChild(childID, bpm)
}

// CopyFirstFrom installs a new leftmost child. The old separator in the
// parent moves down as the key over the previous leftmost child, and the
// rotated key moves up to the parent.
func (ip InternalPage) CopyFirstFrom(key []byte, value common.PageID, parentIndex int, bpm *storage.BufferPoolManager) error {
	common.Assert(ip.Size() < ip.MaxSize(), "internal overflow in CopyFirstFrom")
	parentFrame, err := bpm.FetchPage(ip.ParentPageID())
	if err != nil {
		return err
	}
	parent := AsInternalPage(parentFrame, ip.keySize)
	oldSeparator := copyKey(parent.KeyAt(parentIndex))
	parent.SetKeyAt(parentIndex, key)
	bpm.UnpinPage(parent.ID(), true)

	size := ip.Size()
	oldFirstChild := ip.ValueAt(0)
	start := ip.pairOffset(1)
	end := ip.pairOffset(size)
	copy(ip.Data[start+ip.pairSize():end+ip.pairSize()], ip.Data[start:end])
	ip.SetSize(size + 1)
	ip.setPairAt(1, oldSeparator, oldFirstChild)
	ip.SetValueAt(0, value)
	return nil
}
