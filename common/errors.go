package common

import (
	"errors"
	"fmt"
)

type DBErrorCode int

const (
	// BufferPoolFullError indicates the buffer pool could not supply a frame
	// because every frame is pinned. Allocating operations fail cleanly with
	// this code; callers must release any latches they hold before returning.
	BufferPoolFullError DBErrorCode = iota
	// DuplicateIndexError indicates an attempt to create an index that
	// already has a record in the header page, or to register a new index
	// when the header page has no room for another record.
	DuplicateIndexError
	// NoSuchIndexError indicates a request for an index that has no record in
	// the header page.
	NoSuchIndexError
	// InvalidPageError indicates an access to a page id that does not exist
	// in the paged store.
	InvalidPageError
)

func (ec DBErrorCode) String() string {
	switch ec {
	case BufferPoolFullError:
		return "BufferPoolFullError"
	case DuplicateIndexError:
		return "DuplicateIndexError"
	case NoSuchIndexError:
		return "NoSuchIndexError"
	case InvalidPageError:
		return "InvalidPageError"
	}
	return "unknown"
}

// DBError is the custom error type for the storage engine. It wraps a
// specific DBErrorCode with a detailed message so callers can branch on the
// kind of failure (e.g., buffer pool exhaustion) without string matching.
type DBError struct {
	Code      DBErrorCode
	ErrString string
}

func (e DBError) Error() string {
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}

// NewError builds a DBError with a formatted message.
func NewError(code DBErrorCode, format string, args ...any) DBError {
	return DBError{Code: code, ErrString: fmt.Sprintf(format, args...)}
}

// HasErrorCode reports whether err is a DBError carrying the given code.
func HasErrorCode(err error, code DBErrorCode) bool {
	var dbe DBError
	return errors.As(err, &dbe) && dbe.Code == code
}
