package storage

import "mit.edu/dsg/minidb/common"

// Replacer chooses which frame to reuse when the buffer pool has no free
// frame left. It tracks eviction eligibility only: it never sees page ids,
// pin counts, or dirty bits, just the frame ids the buffer pool reports as
// unpinned.
type Replacer interface {
	// Victim removes and returns the frame that should be evicted next.
	// It fails (returns false) when no frame is eligible.
	Victim() (common.FrameID, bool)

	// Pin tells the replacer the frame can no longer be evicted. A frame the
	// replacer does not track is a no-op.
	Pin(frameID common.FrameID)

	// Unpin tells the replacer the frame is eligible for eviction. A frame
	// already tracked is a no-op.
	Unpin(frameID common.FrameID)

	// Size returns the number of frames currently eligible for eviction.
	Size() int
}
