package common

import (
	"encoding/binary"
	"fmt"
)

const (
	// PageSize is the fixed size in bytes of every page in the paged store.
	PageSize int = 4096
	// IndexNameLength is the fixed width of an index name in the header page.
	IndexNameLength int = 32
)

// PageID identifies a page within the paged store.
type PageID int32

const InvalidPageID PageID = -1

// HeaderPageID is the distinguished page holding the index-name to
// root-page-id records. It is always the first page allocated.
const HeaderPageID PageID = 0

// IsNil reports whether the PageID is InvalidPageID.
func (p PageID) IsNil() bool { return p == InvalidPageID }

func (p PageID) String() string { return fmt.Sprintf("page(%d)", int32(p)) }

// FrameID identifies a slot in the buffer pool's frame array.
type FrameID int32

const InvalidFrameID FrameID = -1

type TransactionID uint64

const InvalidTransactionID TransactionID = 0

// LSN is a log sequence number stamped on pages to enforce the WAL rule.
type LSN int64

// RecordID identifies a specific tuple (row) via its page number and slot
// index. It is the value type stored in index leaves.
type RecordID struct {
	PageNum PageID
	Slot    int32
}

// RecordIDSize is the serialized size of a RecordID (PageNum (4) + Slot (4) = 8).
const RecordIDSize = 8

// IsNil reports whether the RecordID's page id is InvalidPageID.
func (r *RecordID) IsNil() bool { return r.PageNum.IsNil() }

func (r RecordID) String() string {
	return fmt.Sprintf("rid(%s, %d)", r.PageNum.String(), r.Slot)
}

// WriteTo serializes the RecordID into the provided buffer. The buffer must
// be large enough to hold a RecordID.
func (r *RecordID) WriteTo(data []byte) {
	if len(data) < RecordIDSize {
		panic("buffer too small")
	}
	binary.LittleEndian.PutUint32(data, uint32(r.PageNum))
	binary.LittleEndian.PutUint32(data[4:], uint32(r.Slot))
}

// LoadFrom deserializes a RecordID from the provided buffer. The buffer must
// be large enough to hold a RecordID.
func (r *RecordID) LoadFrom(data []byte) {
	if len(data) < RecordIDSize {
		panic("buffer too small")
	}
	r.PageNum = PageID(binary.LittleEndian.Uint32(data))
	r.Slot = int32(binary.LittleEndian.Uint32(data[4:]))
}
