package indexing

import (
	"encoding/binary"

	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/storage"
)

type pageType int32

const (
	pageTypeInvalid pageType = iota
	pageTypeLeaf
	pageTypeInternal
)

// Common node header layout (bytes 0..23):
// pageType (4) | size (4) | maxSize (4) | parent (4) | self (4) | reserved (4)
const (
	offsetPageType = 0
	offsetSize     = 4
	offsetMaxSize  = 8
	offsetParent   = 12
	offsetSelf     = 16
	nodeHeaderSize = 24
)

// TreePage gives uniform access to the common header shared by leaf and
// internal nodes of a pinned B+-tree page. Leaf and internal wrappers embed
// it and add their payload accessors.
type TreePage struct {
	*storage.Page
}

// AsTreePage wraps a pinned page as a tree node. The caller is responsible
// for holding the appropriate latch.
func AsTreePage(p *storage.Page) TreePage {
	return TreePage{p}
}

func (tp TreePage) typeTag() pageType {
	return pageType(binary.LittleEndian.Uint32(tp.Data[offsetPageType:]))
}

func (tp TreePage) setTypeTag(t pageType) {
	binary.LittleEndian.PutUint32(tp.Data[offsetPageType:], uint32(t))
}

// IsLeaf reports whether the node is a leaf page.
func (tp TreePage) IsLeaf() bool { return tp.typeTag() == pageTypeLeaf }

// Size returns the number of valid slots. For internal nodes this includes
// the sentinel slot 0.
func (tp TreePage) Size() int {
	return int(int32(binary.LittleEndian.Uint32(tp.Data[offsetSize:])))
}

func (tp TreePage) SetSize(n int) {
	binary.LittleEndian.PutUint32(tp.Data[offsetSize:], uint32(int32(n)))
}

func (tp TreePage) IncreaseSize(delta int) {
	tp.SetSize(tp.Size() + delta)
}

// MaxSize returns the configured fanout of the node.
func (tp TreePage) MaxSize() int {
	return int(int32(binary.LittleEndian.Uint32(tp.Data[offsetMaxSize:])))
}

func (tp TreePage) SetMaxSize(n int) {
	binary.LittleEndian.PutUint32(tp.Data[offsetMaxSize:], uint32(int32(n)))
}

// MinSize returns the minimum occupancy of a non-root node: half the fanout,
// rounded up.
func (tp TreePage) MinSize() int {
	return (tp.MaxSize() + 1) / 2
}

// ParentPageID returns the id of the node's parent, or common.InvalidPageID
// for the root.
func (tp TreePage) ParentPageID() common.PageID {
	return common.PageID(binary.LittleEndian.Uint32(tp.Data[offsetParent:]))
}

func (tp TreePage) SetParentPageID(id common.PageID) {
	binary.LittleEndian.PutUint32(tp.Data[offsetParent:], uint32(id))
}

// SelfID returns the page id recorded in the node header. It always equals
// the frame's page id; the on-page copy exists so the node is
// self-describing on disk.
func (tp TreePage) SelfID() common.PageID {
	return common.PageID(binary.LittleEndian.Uint32(tp.Data[offsetSelf:]))
}

func (tp TreePage) setSelfID(id common.PageID) {
	binary.LittleEndian.PutUint32(tp.Data[offsetSelf:], uint32(id))
}

// IsRoot reports whether the node has no parent.
func (tp TreePage) IsRoot() bool {
	return tp.ParentPageID() == common.InvalidPageID
}

func (tp TreePage) initHeader(t pageType, id, parent common.PageID, size, maxSize int) {
	tp.setTypeTag(t)
	tp.SetSize(size)
	tp.SetMaxSize(maxSize)
	tp.setSelfID(id)
	tp.SetParentPageID(parent)
}
