package audiobridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/asciiterm/pkg/media"
)

type pullResult int

const (
	pullChunk pullResult = iota
	pullUnderrun
	pullEnded
)

// Source is the pull side of the bridge: the audio output asks it for
// samples at its own pace. A pull never blocks longer than the configured
// timeout. When no chunk arrives in time it yields silence while the decoder
// is still running and reports end of stream once it has finished.
//
// Next and Fill must be called from one goroutine at a time (the sink's).
type Source struct {
	chunks   <-chan media.SampleChunk
	finished *atomic.Bool
	format   Format
	timeout  time.Duration
	timer    *time.Timer

	cur []float32
	pos int

	ended     atomic.Bool
	underruns atomic.Uint64
	played    atomic.Uint64 // decoded samples handed out, all channels

	done      chan struct{}
	closeOnce sync.Once
}

func newSource(chunks <-chan media.SampleChunk, finished *atomic.Bool, format Format, timeout time.Duration) *Source {
	timer := time.NewTimer(timeout)
	timer.Stop()
	return &Source{
		chunks:   chunks,
		finished: finished,
		format:   format,
		timeout:  timeout,
		timer:    timer,
		done:     make(chan struct{}),
	}
}

func (s *Source) Channels() int { return s.format.Channels }

func (s *Source) SampleRate() int { return s.format.SampleRate }

// Duration is not known ahead of time for a piped stream.
func (s *Source) Duration() (time.Duration, bool) { return 0, false }

// Next returns one interleaved sample. ok is false once the stream ended.
// An underrun yields (0, true).
func (s *Source) Next() (sample float32, ok bool) {
	for s.pos >= len(s.cur) {
		switch s.advance() {
		case pullUnderrun:
			s.underruns.Add(1)
			return 0, true
		case pullEnded:
			return 0, false
		}
	}
	sample = s.cur[s.pos]
	s.pos++
	s.played.Add(1)
	return sample, true
}

// Fill writes len(dst) samples into dst and returns how many were decoded
// audio; the remainder is silence. It waits at most one pull timeout. ok is
// false once the stream ended, in which case n may still be non-zero for the
// final partial buffer.
func (s *Source) Fill(dst []float32) (n int, ok bool) {
	for n < len(dst) {
		if s.pos >= len(s.cur) {
			r := s.advance()
			if r == pullChunk {
				continue
			}
			clear(dst[n:])
			if r == pullEnded {
				s.played.Add(uint64(n))
				return n, false
			}
			s.underruns.Add(1)
			break
		}
		c := copy(dst[n:], s.cur[s.pos:])
		s.pos += c
		n += c
	}
	s.played.Add(uint64(n))
	return n, true
}

// advance loads the next chunk into cur.
func (s *Source) advance() pullResult {
	if s.ended.Load() {
		return pullEnded
	}

	select {
	case chunk, ok := <-s.chunks:
		return s.take(chunk, ok)
	default:
	}

	s.timer.Reset(s.timeout)
	defer s.timer.Stop()

	select {
	case chunk, ok := <-s.chunks:
		return s.take(chunk, ok)
	case <-s.done:
		s.ended.Store(true)
		return pullEnded
	case <-s.timer.C:
	}

	if !s.finished.Load() {
		return pullUnderrun
	}
	select {
	case chunk, ok := <-s.chunks:
		return s.take(chunk, ok)
	default:
		s.ended.Store(true)
		return pullEnded
	}
}

func (s *Source) take(chunk media.SampleChunk, ok bool) pullResult {
	if !ok {
		s.ended.Store(true)
		return pullEnded
	}
	s.cur = chunk.Samples
	s.pos = 0
	return pullChunk
}

// Ended reports whether the source has signalled end of stream.
func (s *Source) Ended() bool { return s.ended.Load() }

func (s *Source) Underruns() uint64 { return s.underruns.Load() }

// Played returns the number of decoded samples (all channels) handed out.
func (s *Source) Played() uint64 { return s.played.Load() }

// Close tells the decode goroutine nobody is listening anymore.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		s.ended.Store(true)
		close(s.done)
	})
}
