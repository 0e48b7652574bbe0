package indexing

import (
	"bytes"
	"encoding/binary"

	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/storage"
)

// HeaderPage is the distinguished page at common.HeaderPageID mapping index
// names to their root page ids. Layout: record count (int32), then
// fixed-width records of (name [IndexNameLength]byte, rootPageID int32).
// Every tree persists its root id here whenever the root changes.
type HeaderPage struct {
	*storage.Page
}

const (
	headerRecordSize    = common.IndexNameLength + 4
	headerRecordsOffset = 4
)

// HeaderCapacity is the maximum number of index records the header page can
// hold.
const HeaderCapacity = (common.PageSize - headerRecordsOffset) / headerRecordSize

// AsHeaderPage wraps the pinned header page.
func AsHeaderPage(p *storage.Page) HeaderPage {
	common.Assert(p.ID() == common.HeaderPageID, "page %s is not the header page", p.ID())
	return HeaderPage{p}
}

// RecordCount returns the number of index records stored.
func (hp HeaderPage) RecordCount() int {
	return int(int32(binary.LittleEndian.Uint32(hp.Data[:])))
}

func (hp HeaderPage) setRecordCount(n int) {
	binary.LittleEndian.PutUint32(hp.Data[:], uint32(int32(n)))
}

func (hp HeaderPage) recordOffset(index int) int {
	return headerRecordsOffset + index*headerRecordSize
}

func (hp HeaderPage) nameAt(index int) []byte {
	off := hp.recordOffset(index)
	raw := hp.Data[off : off+common.IndexNameLength]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		return raw[:i]
	}
	return raw
}

// find returns the record index for the name, or -1.
func (hp HeaderPage) find(name string) int {
	for i := 0; i < hp.RecordCount(); i++ {
		if string(hp.nameAt(i)) == name {
			return i
		}
	}
	return -1
}

// RootPageID looks up the root page id recorded for the index name.
func (hp HeaderPage) RootPageID(name string) (common.PageID, bool) {
	index := hp.find(name)
	if index < 0 {
		return common.InvalidPageID, false
	}
	off := hp.recordOffset(index) + common.IndexNameLength
	return common.PageID(binary.LittleEndian.Uint32(hp.Data[off:])), true
}

// InsertRecord adds a (name, rootPageID) record. Returns false when the name
// already exists, is too long, or the page is full.
func (hp HeaderPage) InsertRecord(name string, rootPageID common.PageID) bool {
	if len(name) == 0 || len(name) > common.IndexNameLength {
		return false
	}
	if hp.find(name) >= 0 {
		return false
	}
	count := hp.RecordCount()
	if count >= HeaderCapacity {
		return false
	}
	off := hp.recordOffset(count)
	nameField := hp.Data[off : off+common.IndexNameLength]
	clear(nameField)
	copy(nameField, name)
	binary.LittleEndian.PutUint32(hp.Data[off+common.IndexNameLength:], uint32(rootPageID))
	hp.setRecordCount(count + 1)
	return true
}

// UpdateRecord rewrites the root page id for an existing record. Returns
// false when the name has no record.
func (hp HeaderPage) UpdateRecord(name string, rootPageID common.PageID) bool {
	index := hp.find(name)
	if index < 0 {
		return false
	}
	off := hp.recordOffset(index) + common.IndexNameLength
	binary.LittleEndian.PutUint32(hp.Data[off:], uint32(rootPageID))
	return true
}

// DeleteRecord removes the record for the name, keeping records contiguous.
// Returns false when the name has no record.
func (hp HeaderPage) DeleteRecord(name string) bool {
	index := hp.find(name)
	if index < 0 {
		return false
	}
	count := hp.RecordCount()
	start := hp.recordOffset(index)
	end := hp.recordOffset(count)
	copy(hp.Data[start:], hp.Data[start+headerRecordSize:end])
	clear(hp.Data[hp.recordOffset(count-1):end])
	hp.setRecordCount(count - 1)
	return true
}
