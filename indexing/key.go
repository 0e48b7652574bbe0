package indexing

import (
	"bytes"
	"encoding/binary"
)

// Comparator defines a total order over fixed-width keys. Both arguments are
// exactly the tree's configured key size. Returns -1, 0, or +1.
type Comparator func(a, b []byte) int

// BytesComparator orders keys lexicographically by their raw bytes.
func BytesComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Int64KeySize is the width of keys produced by Int64Key.
const Int64KeySize = 8

// Int64Comparator orders 8-byte keys as signed little-endian integers.
func Int64Comparator(a, b []byte) int {
	x := int64(binary.LittleEndian.Uint64(a))
	y := int64(binary.LittleEndian.Uint64(b))
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// Int64Key encodes v as a fixed-width 8-byte key.
func Int64Key(v int64) []byte {
	key := make([]byte, Int64KeySize)
	binary.LittleEndian.PutUint64(key, uint64(v))
	return key
}

// DecodeInt64Key recovers the integer from a key produced by Int64Key.
func DecodeInt64Key(key []byte) int64 {
	return int64(binary.LittleEndian.Uint64(key))
}

func copyKey(key []byte) []byte {
	dup := make([]byte, len(key))
	copy(dup, key)
	return dup
}
