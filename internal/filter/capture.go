package filter

import (
	"sync"

	"github.com/coachrun/rvc-core/internal/codec"
)

// captureBuffer is a bounded ring buffer holding frames hit by a CAPTURE
// action. Oldest entries are dropped once full.
type captureBuffer struct {
	mu     sync.Mutex
	items  []codec.DecodedFrame
	cap    int
	cursor int
	full   bool
}

func newCaptureBuffer(capacity int) captureBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return captureBuffer{items: make([]codec.DecodedFrame, capacity), cap: capacity}
}

func (c *captureBuffer) push(frame codec.DecodedFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[c.cursor] = frame
	c.cursor = (c.cursor + 1) % c.cap
	if c.cursor == 0 {
		c.full = true
	}
}

// snapshot returns captured frames in chronological order, oldest first.
func (c *captureBuffer) snapshot() []codec.DecodedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		out := make([]codec.DecodedFrame, c.cursor)
		copy(out, c.items[:c.cursor])
		return out
	}
	out := make([]codec.DecodedFrame, c.cap)
	copy(out, c.items[c.cursor:])
	copy(out[c.cap-c.cursor:], c.items[:c.cursor])
	return out
}
