package frameringbuffer

import (
	"sync/atomic"

	"github.com/drgolem/asciiterm/pkg/media"
	"github.com/drgolem/asciiterm/pkg/types"
)

// Re-export common ringbuffer errors
var (
	ErrInsufficientSpace = types.ErrInsufficientSpace
	ErrInsufficientData  = types.ErrInsufficientData
)

// FrameRingBuffer is a lock-free single-producer single-consumer FIFO of
// decoded video frames.
//
// Storage is rounded up to a power of 2 for cheap index masking, but the
// number of queued frames never exceeds the capacity requested in New.
//
// Thread safety:
//   - Push() must only be called by the producer
//   - Pop() must only be called by the consumer
//   - Reset() must not race with either
type FrameRingBuffer struct {
	buffer   []*media.VideoFrame
	limit    uint64 // requested capacity
	mask     uint64 // len(buffer) - 1
	writePos atomic.Uint64
	readPos  atomic.Uint64
}

// New creates a ring holding at most capacity frames. A capacity of 0 is
// treated as 1.
func New(capacity int) *FrameRingBuffer {
	limit := uint64(max(capacity, 1))
	size := nextPowerOf2(limit)

	return &FrameRingBuffer{
		buffer: make([]*media.VideoFrame, size),
		limit:  limit,
		mask:   size - 1,
	}
}

// Push appends a frame. It returns ErrInsufficientSpace when the ring already
// holds Capacity() frames. Frames are not copied: ownership passes to the ring.
func (rb *FrameRingBuffer) Push(frame *media.VideoFrame) error {
	if rb.AvailableWrite() == 0 {
		return ErrInsufficientSpace
	}

	writePos := rb.writePos.Load()
	rb.buffer[writePos&rb.mask] = frame
	rb.writePos.Store(writePos + 1)
	return nil
}

// Pop removes and returns the oldest frame, or ErrInsufficientData when empty.
func (rb *FrameRingBuffer) Pop() (*media.VideoFrame, error) {
	if rb.AvailableRead() == 0 {
		return nil, ErrInsufficientData
	}

	readPos := rb.readPos.Load()
	pos := readPos & rb.mask
	frame := rb.buffer[pos]
	rb.buffer[pos] = nil // release for GC
	rb.readPos.Store(readPos + 1)
	return frame, nil
}

// AvailableWrite returns how many more frames fit before reaching capacity
func (rb *FrameRingBuffer) AvailableWrite() uint64 {
	return rb.limit - rb.AvailableRead()
}

// AvailableRead returns the number of queued frames
func (rb *FrameRingBuffer) AvailableRead() uint64 {
	return rb.writePos.Load() - rb.readPos.Load()
}

// Len is AvailableRead as an int.
func (rb *FrameRingBuffer) Len() int {
	return int(rb.AvailableRead())
}

// Capacity returns the maximum number of frames the ring will hold
func (rb *FrameRingBuffer) Capacity() int {
	return int(rb.limit)
}

// Reset drops every queued frame.
func (rb *FrameRingBuffer) Reset() {
	clear(rb.buffer)
	rb.readPos.Store(0)
	rb.writePos.Store(0)
}

// nextPowerOf2 rounds up to the next power of 2
func nextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
