// Package audiobridge streams a file's audio through an external decode
// process. A decode goroutine reads raw float32 PCM from the process, cuts it
// into sample chunks and hands them over a channel to a pull-based Source,
// which the audio output drains at its own pace.
package audiobridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/drgolem/asciiterm/pkg/media"
	"github.com/drgolem/asciiterm/pkg/ringbuffer"
	"github.com/drgolem/asciiterm/pkg/types"
)

// Format is the PCM layout requested from the decode process.
type Format struct {
	SampleRate int
	Channels   int
}

// Config tunes the decode goroutine and the pull side.
type Config struct {
	// BlockSize is the number of bytes converted into one chunk.
	BlockSize int

	// MaxPendingChunks is the queue depth above which the decode goroutine
	// sleeps BackpressureDelay instead of reading.
	MaxPendingChunks  int
	BackpressureDelay time.Duration

	// RetryDelay is the pause after a would-block or empty read.
	RetryDelay time.Duration

	// ReadTimeout bounds a single read from the process when its stdout
	// supports deadlines. A timed out read counts as an empty read.
	ReadTimeout time.Duration

	// MaxEmptyReads consecutive empty, timed out or would-block reads end
	// the stream.
	MaxEmptyReads int

	// PullTimeout bounds how long a Source pull waits for a chunk.
	PullTimeout time.Duration

	// MaxChannels caps the channel count requested from the decoder; the
	// process downmixes. 0 means no cap.
	MaxChannels int

	Command CommandFunc

	// Sink, when set, is opened and started over the Source by New. When nil
	// the caller pulls Source() itself.
	Sink SinkFactory
}

func DefaultConfig() Config {
	return Config{
		BlockSize:         8192,
		MaxPendingChunks:  8,
		BackpressureDelay: 5 * time.Millisecond,
		RetryDelay:        2 * time.Millisecond,
		ReadTimeout:       100 * time.Millisecond,
		MaxEmptyReads:     50,
		PullTimeout:       20 * time.Millisecond,
		MaxChannels:       2,
		Command:           FFmpegCommand,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	// keep blocks aligned to whole samples
	c.BlockSize -= c.BlockSize % BytesPerSample
	if c.MaxPendingChunks <= 0 {
		c.MaxPendingChunks = d.MaxPendingChunks
	}
	if c.BackpressureDelay <= 0 {
		c.BackpressureDelay = d.BackpressureDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.MaxEmptyReads <= 0 {
		c.MaxEmptyReads = d.MaxEmptyReads
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = d.PullTimeout
	}
	if c.Command == nil {
		c.Command = d.Command
	}
	return c
}

// Bridge is the handle returned to callers. If it becomes unreachable
// without Stop being called, the decode process is still killed.
type Bridge struct {
	*bridge
}

type bridge struct {
	cfg    Config
	format Format
	name   string
	log    *slog.Logger

	proc   *decodeProcess
	chunks chan media.SampleChunk
	src    *Source
	sink   Sink
	wg     sync.WaitGroup

	stopRequested atomic.Bool
	finished      atomic.Bool
	samplesSent   atomic.Uint64

	gain     Gain
	volMu    sync.Mutex
	volume   float32
	preMute  float32
	muted    bool
	paused   atomic.Bool
	started  time.Time
	mu       sync.Mutex
	stopped  bool
	stopErr  error
	stopDone chan struct{}
}

// Open reads the audio format of path's best audio stream through engine and
// starts a bridge for it. It returns media.ErrNoAudioStream when the file has
// no audio.
func Open(engine media.Engine, path string, cfg Config) (*Bridge, error) {
	h, err := engine.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audiobridge: open %s: %w", path, err)
	}
	_, ok := h.BestStream(media.StreamAudio)
	info := h.Info()
	h.Close()

	if !ok {
		return nil, media.ErrNoAudioStream
	}
	format := Format{SampleRate: info.SampleRate, Channels: info.Channels}
	return New(path, format, cfg)
}

// New spawns the decode process for path and starts the decode goroutine.
// Spawn and sink failures are returned; the process is killed on those paths.
func New(path string, format Format, cfg Config) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if cfg.MaxChannels > 0 && format.Channels > cfg.MaxChannels {
		format.Channels = cfg.MaxChannels
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("audiobridge: invalid format %d Hz / %d channels", format.SampleRate, format.Channels)
	}

	proc, err := startProcess(cfg.Command(path, format))
	if err != nil {
		return nil, fmt.Errorf("audiobridge: spawn decoder: %w", err)
	}
	return start(path, format, cfg, proc)
}

// start runs the decode goroutine over an already spawned process.
func start(path string, format Format, cfg Config, proc *decodeProcess) (*Bridge, error) {
	b := &bridge{
		cfg:    cfg,
		format: format,
		name:   filepath.Base(path),
		log:    slog.With("component", "audiobridge", "file", filepath.Base(path)),
		proc:   proc,
		// Room above MaxPendingChunks so a send never waits on a full
		// channel; the decode goroutine throttles itself before that.
		chunks:   make(chan media.SampleChunk, cfg.MaxPendingChunks*2+2),
		volume:   1,
		started:  time.Now(),
		stopDone: make(chan struct{}),
	}
	b.gain.Store(1)
	b.src = newSource(b.chunks, &b.finished, format, cfg.PullTimeout)

	b.wg.Add(1)
	go b.decodeLoop()

	if cfg.Sink != nil {
		sink, err := cfg.Sink(b.src, &b.gain)
		if err == nil {
			b.sink = sink
			err = sink.Start()
		}
		if err != nil {
			b.Stop()
			return nil, fmt.Errorf("audiobridge: start sink: %w", err)
		}
	}

	b.log.Debug("Audio bridge started",
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"block_size", cfg.BlockSize)

	bb := &Bridge{b}
	runtime.AddCleanup(bb, func(b *bridge) { b.Stop() }, b)
	return bb, nil
}

// decodeLoop is the only writer of chunks and of finished.
func (b *bridge) decodeLoop() {
	defer b.wg.Done()
	defer func() {
		b.finished.Store(true)
		close(b.chunks)
	}()

	staging := ringbuffer.New(uint64(b.cfg.BlockSize * 2))
	block := make([]byte, b.cfg.BlockSize)
	emptyReads := 0

	for {
		if b.stopRequested.Load() {
			return
		}
		if len(b.chunks) > b.cfg.MaxPendingChunks {
			time.Sleep(b.cfg.BackpressureDelay)
			continue
		}

		b.proc.setReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		n, err := staging.FillFrom(b.proc.stdout, b.cfg.BlockSize)
		if n > 0 {
			emptyReads = 0
		}

		for staging.AvailableRead() >= uint64(b.cfg.BlockSize) {
			_ = staging.ReadExact(block)
			if !b.send(block) {
				return
			}
		}

		switch {
		case n > 0 && (err == nil || isTransient(err)):
		case err == nil || isTransient(err):
			emptyReads++
			if emptyReads >= b.cfg.MaxEmptyReads {
				b.log.Debug("Decoder stalled, ending stream", "empty_reads", emptyReads)
				b.flushRemainder(staging)
				return
			}
			time.Sleep(b.cfg.RetryDelay)
		default:
			if !b.stopRequested.Load() && !isEndOfPipe(err) {
				b.log.Warn("Decoder read failed", "error", err, "stderr", b.proc.Stderr())
			}
			b.flushRemainder(staging)
			return
		}
	}
}

// flushRemainder sends the whole sample frames left in staging as a final
// short chunk.
func (b *bridge) flushRemainder(staging *ringbuffer.RingBuffer) {
	if b.stopRequested.Load() {
		return
	}
	frameBytes := uint64(BytesPerSample * b.format.Channels)
	n := staging.AvailableRead() / frameBytes * frameBytes
	if n == 0 {
		return
	}
	rest := make([]byte, n)
	_ = staging.ReadExact(rest)
	b.send(rest)
}

// send converts raw bytes into a chunk and queues it. It returns false when
// the source was closed.
func (b *bridge) send(raw []byte) bool {
	chunk := media.SampleChunk{
		Samples:    DecodeFloat32LE(raw),
		SampleRate: b.format.SampleRate,
		Channels:   b.format.Channels,
	}
	select {
	case b.chunks <- chunk:
		b.samplesSent.Add(uint64(len(chunk.Samples)))
		return true
	case <-b.src.done:
		return false
	}
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

func isEndOfPipe(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Stop ends decoding and output. It kills the process, joins the decode
// goroutine and empties the channel; nothing is sent after it returns. It is
// safe to call more than once.
func (b *bridge) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.stopDone
		return b.stopErr
	}
	b.stopped = true
	b.mu.Unlock()
	defer close(b.stopDone)

	b.stopRequested.Store(true)
	if b.sink != nil {
		if err := b.sink.Stop(); err != nil {
			b.stopErr = err
			b.log.Warn("Failed to stop audio sink", "error", err)
		}
	}
	b.src.Close()
	b.proc.Close()
	b.wg.Wait()

	for range b.chunks {
	}

	b.log.Debug("Audio bridge stopped",
		"samples_sent", b.samplesSent.Load(),
		"underruns", b.src.Underruns())
	return b.stopErr
}

// Source returns the pull side. When a sink was configured the sink is its
// only consumer.
func (b *bridge) Source() *Source { return b.src }

func (b *bridge) Format() Format { return b.format }

// Wait blocks until the sink reached the end of the stream, or until Stop.
// Without a sink it returns immediately.
func (b *bridge) Wait() {
	if b.sink == nil {
		return
	}
	select {
	case <-b.sink.Done():
	case <-b.stopDone:
	}
}

// IsPlaying reports whether audio is still coming out: false once the source
// reached end of stream or the bridge was stopped.
func (b *bridge) IsPlaying() bool {
	if b.stopRequested.Load() || b.src.Ended() {
		return false
	}
	if b.sink != nil {
		select {
		case <-b.sink.Done():
			return false
		default:
		}
	}
	return true
}

// Finished reports whether the decode goroutine has exited.
func (b *bridge) Finished() bool { return b.finished.Load() }

func (b *bridge) SamplesSent() uint64 { return b.samplesSent.Load() }

func (b *bridge) Play() {
	b.paused.Store(false)
	if b.sink != nil {
		b.sink.Resume()
	}
}

func (b *bridge) Pause() {
	b.paused.Store(true)
	if b.sink != nil {
		b.sink.Pause()
	}
}

func (b *bridge) IsPaused() bool { return b.paused.Load() }

// SetVolume clamps v to [0, 1]. While muted the value is remembered and
// applied on Unmute.
func (b *bridge) SetVolume(v float32) {
	v = min(max(v, 0), 1)
	b.volMu.Lock()
	defer b.volMu.Unlock()
	if b.muted {
		b.preMute = v
		return
	}
	b.volume = v
	b.gain.Store(v)
}

// Volume returns the effective volume; 0 while muted.
func (b *bridge) Volume() float32 {
	b.volMu.Lock()
	defer b.volMu.Unlock()
	return b.volume
}

func (b *bridge) Mute() {
	b.volMu.Lock()
	defer b.volMu.Unlock()
	if b.muted {
		return
	}
	b.muted = true
	b.preMute = b.volume
	b.volume = 0
	b.gain.Store(0)
}

func (b *bridge) Unmute() {
	b.volMu.Lock()
	defer b.volMu.Unlock()
	if !b.muted {
		return
	}
	b.muted = false
	b.volume = b.preMute
	b.gain.Store(b.volume)
}

func (b *bridge) ToggleMute() {
	if b.IsMuted() {
		b.Unmute()
	} else {
		b.Mute()
	}
}

func (b *bridge) IsMuted() bool {
	b.volMu.Lock()
	defer b.volMu.Unlock()
	return b.muted
}

// GetPlaybackStatus implements types.PlaybackMonitor.
func (b *bridge) GetPlaybackStatus() types.PlaybackStatus {
	state := "playing"
	switch {
	case !b.IsPlaying():
		state = "stopped"
	case b.IsPaused():
		state = "paused"
	}

	b.volMu.Lock()
	volume, muted := b.volume, b.muted
	b.volMu.Unlock()

	return types.PlaybackStatus{
		FileName:      b.name,
		State:         state,
		MediaType:     media.TypeAudio.String(),
		SampleRate:    b.format.SampleRate,
		Channels:      b.format.Channels,
		SamplesSent:   b.samplesSent.Load(),
		PlayedSamples: b.src.Played() / uint64(b.format.Channels),
		Underruns:     b.src.Underruns(),
		Volume:        volume,
		Muted:         muted,
		AudioActive:   b.IsPlaying(),
		ElapsedTime:   time.Since(b.started),
	}
}
