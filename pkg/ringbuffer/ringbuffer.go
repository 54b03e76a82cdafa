package ringbuffer

import (
	"io"
	"sync/atomic"

	"github.com/drgolem/asciiterm/pkg/types"
)

// Re-export common ringbuffer errors
var (
	ErrInsufficientSpace = types.ErrInsufficientSpace
	ErrInsufficientData  = types.ErrInsufficientData
)

// RingBuffer is a lock-free single-producer single-consumer byte ring used to
// stage raw PCM read from a decode process until whole blocks are available.
//
// Thread safety:
//   - Write() and FillFrom() must only be called by the producer
//   - Read() and ReadExact() must only be called by the consumer
type RingBuffer struct {
	buffer   []byte
	size     uint64 // must be power of 2
	mask     uint64 // size - 1, for efficient modulo
	writePos atomic.Uint64
	readPos  atomic.Uint64
}

// New creates a new ring buffer with the given size.
// Size will be rounded up to the next power of 2 for efficiency.
func New(size uint64) *RingBuffer {
	size = nextPowerOf2(size)

	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
		mask:   size - 1,
	}
}

// Write copies all of data into the ring or returns ErrInsufficientSpace
// without writing anything.
func (rb *RingBuffer) Write(data []byte) (int, error) {
	dataLen := uint64(len(data))
	if dataLen == 0 {
		return 0, nil
	}
	if dataLen > rb.AvailableWrite() {
		return 0, ErrInsufficientSpace
	}

	writePos := rb.writePos.Load()
	start := writePos & rb.mask
	n := copy(rb.buffer[start:], data)
	if uint64(n) < dataLen {
		copy(rb.buffer, data[n:])
	}

	rb.writePos.Store(writePos + dataLen)
	return int(dataLen), nil
}

// FillFrom performs a single Read from r directly into the contiguous free
// region of the ring, at most limit bytes (limit <= 0 means no limit). It returns
// what r.Read returned; bytes read are committed even when err is non-nil.
// It returns ErrInsufficientSpace without calling r when the ring is full.
func (rb *RingBuffer) FillFrom(r io.Reader, limit int) (int, error) {
	free := rb.AvailableWrite()
	if free == 0 {
		return 0, ErrInsufficientSpace
	}

	writePos := rb.writePos.Load()
	start := writePos & rb.mask
	end := min(rb.size, start+free)
	if limit > 0 && end-start > uint64(limit) {
		end = start + uint64(limit)
	}

	n, err := r.Read(rb.buffer[start:end])
	if n > 0 {
		rb.writePos.Store(writePos + uint64(n))
	}
	return n, err
}

// Read reads up to len(data) bytes. It returns ErrInsufficientData when the
// ring is empty.
func (rb *RingBuffer) Read(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	available := rb.AvailableRead()
	if available == 0 {
		return 0, ErrInsufficientData
	}
	return rb.read(data, min(uint64(len(data)), available)), nil
}

// ReadExact fills data completely or returns ErrInsufficientData without
// consuming anything.
func (rb *RingBuffer) ReadExact(data []byte) error {
	if uint64(len(data)) > rb.AvailableRead() {
		return ErrInsufficientData
	}
	rb.read(data, uint64(len(data)))
	return nil
}

func (rb *RingBuffer) read(data []byte, toRead uint64) int {
	readPos := rb.readPos.Load()
	start := readPos & rb.mask
	n := copy(data[:toRead], rb.buffer[start:])
	if uint64(n) < toRead {
		copy(data[n:toRead], rb.buffer)
	}
	rb.readPos.Store(readPos + toRead)
	return int(toRead)
}

// AvailableWrite returns the number of bytes available for writing
func (rb *RingBuffer) AvailableWrite() uint64 {
	return rb.size - rb.AvailableRead()
}

// AvailableRead returns the number of bytes available for reading
func (rb *RingBuffer) AvailableRead() uint64 {
	return rb.writePos.Load() - rb.readPos.Load()
}

// Size returns the total size of the ring buffer
func (rb *RingBuffer) Size() uint64 {
	return rb.size
}

// Reset clears the ring buffer by resetting read and write positions
func (rb *RingBuffer) Reset() {
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
