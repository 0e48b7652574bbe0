package logging

import (
	"math"
	"sync/atomic"

	"mit.edu/dsg/minidb/common"
)

// LogManager is the surface the buffer pool consumes to honor the WAL rule:
// before a page whose LSN exceeds the persistent LSN becomes evictable, the
// log must be forced to stable storage. Record formats, recovery, and log
// file layout live above this interface and are not this engine's concern.
type LogManager interface {
	// PersistentLSN returns the highest LSN known to be on stable storage.
	PersistentLSN() common.LSN

	// ForceFlush blocks until every log record up to the current tail is
	// persisted.
	ForceFlush()
}

// NoopLogManager reports everything as already durable, so the buffer pool
// never forces a flush. Useful when running without a WAL.
type NoopLogManager struct{}

func (NoopLogManager) PersistentLSN() common.LSN { return common.LSN(math.MaxInt64) }

func (NoopLogManager) ForceFlush() {}

// MemoryLogManager is an in-memory LogManager for tests. It hands out LSNs,
// tracks the persistent watermark, and counts forced flushes so tests can
// observe the WAL rule firing.
type MemoryLogManager struct {
	tail       atomic.Int64
	persistent atomic.Int64
	flushCount atomic.Int64
}

func NewMemoryLogManager() *MemoryLogManager {
	return &MemoryLogManager{}
}

// Append reserves and returns the next LSN, as if a record had been written
// to the log buffer. The record is not durable until a flush.
func (m *MemoryLogManager) Append() common.LSN {
	return common.LSN(m.tail.Add(1))
}

func (m *MemoryLogManager) PersistentLSN() common.LSN {
	return common.LSN(m.persistent.Load())
}

// ForceFlush marks everything up to the current tail durable.
func (m *MemoryLogManager) ForceFlush() {
	m.persistent.Store(m.tail.Load())
	m.flushCount.Add(1)
}

// SetPersistentLSN pins the durable watermark directly, letting tests stage a
// page whose LSN is ahead of the persisted log.
func (m *MemoryLogManager) SetPersistentLSN(lsn common.LSN) {
	m.persistent.Store(int64(lsn))
}

// ForceFlushCount returns how many times ForceFlush has been invoked.
func (m *MemoryLogManager) ForceFlushCount() int64 {
	return m.flushCount.Load()
}
