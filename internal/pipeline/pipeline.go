// Package pipeline implements the frame prefetch pipeline: it pulls packets
// from an opened media handle, decodes them and keeps a bounded FIFO of
// ready video frames for the player to take at its own pace.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/drgolem/asciiterm/pkg/frameringbuffer"
	"github.com/drgolem/asciiterm/pkg/media"
)

// Config controls the prefetch buffer.
type Config struct {
	// BufferSize is the maximum number of decoded frames held ahead of the
	// consumer.
	BufferSize int

	// MaxPacketsPerFill bounds how many packets a single top-up may read, so
	// one NextFrame call cannot stall on a long run of non-video packets.
	// 0 means unbounded.
	MaxPacketsPerFill int
}

func DefaultConfig() Config {
	return Config{
		BufferSize:        8,
		MaxPacketsPerFill: 256,
	}
}

// Stats are running counters since the last Start.
type Stats struct {
	FramesDecoded uint64
	DecodeErrors  uint64
}

// Pipeline is driven from a single goroutine (the player loop). Its query
// methods are safe to call from any goroutine.
type Pipeline struct {
	cfg    Config
	buffer *frameringbuffer.FrameRingBuffer
	log    *slog.Logger

	handle  media.Handle
	stream  media.StreamRef
	decoder media.VideoDecoder

	// frames drained from the decoder at EOF that did not fit in buffer yet
	tail []*media.VideoFrame

	running    atomic.Bool
	eofReached atomic.Bool

	framesDecoded atomic.Uint64
	decodeErrors  atomic.Uint64
}

func New(cfg Config) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Pipeline{
		cfg:    cfg,
		buffer: frameringbuffer.New(cfg.BufferSize),
		log:    slog.With("component", "pipeline"),
	}
}

// SetMedia binds h and builds a decoder for its best video stream. It returns
// media.ErrNoVideoStream when h has none; the pipeline is then left without
// media. A previously bound decoder is closed. Handles are owned by the
// caller and never closed here.
func (p *Pipeline) SetMedia(h media.Handle) error {
	p.closeDecoder()
	p.handle = nil

	ref, ok := h.BestStream(media.StreamVideo)
	if !ok {
		return media.ErrNoVideoStream
	}
	dec, err := h.NewVideoDecoder(ref)
	if err != nil {
		return fmt.Errorf("pipeline: create decoder: %w", err)
	}

	p.handle = h
	p.stream = ref
	p.decoder = dec
	p.log.Debug("Media bound", "stream", ref.Index)
	return nil
}

// Start clears the buffer and the end-of-stream flag and marks the pipeline
// running. It is also the second half of a loop restart.
func (p *Pipeline) Start() {
	p.buffer.Reset()
	p.tail = nil
	p.eofReached.Store(false)
	p.framesDecoded.Store(0)
	p.decodeErrors.Store(0)
	p.running.Store(true)
}

// Stop drops buffered frames and marks the pipeline idle. The handle's read
// position is left alone.
func (p *Pipeline) Stop() {
	p.running.Store(false)
	p.buffer.Reset()
	p.tail = nil
}

// Close stops the pipeline and releases the decoder.
func (p *Pipeline) Close() {
	p.Stop()
	p.closeDecoder()
	p.handle = nil
}

// NextFrame returns the oldest buffered frame. When the buffer is empty it
// tops it up once and retries. It returns (nil, nil) while decoding is still
// catching up or the pipeline is not running, and media.ErrStreamFinished on
// every call once the stream is exhausted and the buffer drained, until the
// next Start.
func (p *Pipeline) NextFrame() (*media.VideoFrame, error) {
	if f, err := p.buffer.Pop(); err == nil {
		return f, nil
	}
	if p.IsFinished() {
		return nil, media.ErrStreamFinished
	}
	if !p.running.Load() {
		return nil, nil
	}

	if err := p.fill(); err != nil {
		return nil, err
	}

	if f, err := p.buffer.Pop(); err == nil {
		return f, nil
	}
	if p.IsFinished() {
		return nil, media.ErrStreamFinished
	}
	return nil, nil
}

// Skip pops up to n buffered frames without topping up and returns the last
// one popped, or nil when nothing was buffered.
func (p *Pipeline) Skip(n int) (last *media.VideoFrame, skipped int) {
	for skipped < n {
		f, err := p.buffer.Pop()
		if err != nil {
			break
		}
		last = f
		skipped++
	}
	return last, skipped
}

// fill decodes packets until the buffer is full, the stream ends or the
// packet budget runs out.
func (p *Pipeline) fill() error {
	p.drainTail()
	if p.eofReached.Load() {
		return nil
	}
	if p.decoder == nil {
		return media.ErrNoMedia
	}

	packets := 0
	for p.buffer.AvailableWrite() > 0 {
		if p.cfg.MaxPacketsPerFill > 0 && packets >= p.cfg.MaxPacketsPerFill {
			return nil
		}

		pkt, err := p.handle.ReadPacket()
		if errors.Is(err, media.ErrEndOfStream) {
			p.eofReached.Store(true)
			p.flush()
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipeline: read packet: %w", err)
		}
		packets++

		if pkt.StreamIndex() != p.stream.Index {
			pkt.Free()
			continue
		}

		frame, err := p.decoder.Decode(pkt)
		pkt.Free()
		if err != nil {
			p.decodeErrors.Add(1)
			p.log.Warn("Decode error, skipping packet", "error", err)
			continue
		}
		if frame != nil {
			p.push(frame)
		}
	}
	return nil
}

// flush drains frames still queued inside the decoder. Whatever does not fit
// in the buffer waits in tail and is moved over on later top-ups.
func (p *Pipeline) flush() {
	frames, err := p.decoder.Flush()
	if err != nil {
		p.log.Warn("Decoder flush failed", "error", err)
	}
	p.tail = append(p.tail, frames...)
	p.framesDecoded.Add(uint64(len(frames)))
	p.drainTail()

	p.log.Debug("End of stream reached",
		"frames_decoded", p.framesDecoded.Load(),
		"decode_errors", p.decodeErrors.Load())
}

func (p *Pipeline) drainTail() {
	for len(p.tail) > 0 {
		if err := p.buffer.Push(p.tail[0]); err != nil {
			return
		}
		p.tail[0] = nil
		p.tail = p.tail[1:]
	}
}

func (p *Pipeline) push(f *media.VideoFrame) {
	// fill only decodes while there is room, so this cannot overflow
	_ = p.buffer.Push(f)
	p.framesDecoded.Add(1)
}

func (p *Pipeline) closeDecoder() {
	if p.decoder == nil {
		return
	}
	if err := p.decoder.Close(); err != nil {
		p.log.Warn("Failed to close decoder", "error", err)
	}
	p.decoder = nil
}

// Buffered returns the number of frames ready for NextFrame.
func (p *Pipeline) Buffered() int { return p.buffer.Len() }

func (p *Pipeline) Capacity() int { return p.buffer.Capacity() }

func (p *Pipeline) IsRunning() bool { return p.running.Load() }

func (p *Pipeline) IsEOF() bool { return p.eofReached.Load() }

// IsFinished reports whether the stream is exhausted and every frame was
// delivered. Only the goroutine driving the pipeline may call it.
func (p *Pipeline) IsFinished() bool {
	return p.eofReached.Load() && p.buffer.Len() == 0 && len(p.tail) == 0
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesDecoded: p.framesDecoded.Load(),
		DecodeErrors:  p.decodeErrors.Load(),
	}
}
