package audiobridge

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/drgolem/go-portaudio/portaudio"
)

// Sink plays a Source. Volume is applied here, after the source.
type Sink interface {
	Start() error
	// Pause outputs silence without pulling from the source.
	Pause()
	Resume()
	// Stop halts output. It is safe to call more than once.
	Stop() error
	// Done is closed once the sink played the end of the stream or stopped.
	Done() <-chan struct{}
}

// SinkFactory opens a sink over src. gain is owned by the bridge and may
// change while the sink runs.
type SinkFactory func(src *Source, gain *Gain) (Sink, error)

// Gain is a float32 volume readable from the audio callback without locks.
type Gain struct {
	bits atomic.Uint32
}

func (g *Gain) Load() float32 { return math.Float32frombits(g.bits.Load()) }

func (g *Gain) Store(v float32) { g.bits.Store(math.Float32bits(v)) }

// PortAudioSink writes 16-bit PCM to a PortAudio output device in callback
// mode. The callback runs on PortAudio's audio thread and is the only
// consumer of the source.
type PortAudioSink struct {
	src             *Source
	gain            *Gain
	deviceIndex     int
	framesPerBuffer int

	stream  *portaudio.PaStream
	scratch []float32
	paused  atomic.Bool

	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	stopped bool
}

// PortAudio returns a SinkFactory for the given output device. PortAudio
// must be initialized by the caller.
func PortAudio(deviceIndex, framesPerBuffer int) SinkFactory {
	return func(src *Source, gain *Gain) (Sink, error) {
		return NewPortAudioSink(src, gain, deviceIndex, framesPerBuffer), nil
	}
}

func NewPortAudioSink(src *Source, gain *Gain, deviceIndex, framesPerBuffer int) *PortAudioSink {
	return &PortAudioSink{
		src:             src,
		gain:            gain,
		deviceIndex:     deviceIndex,
		framesPerBuffer: framesPerBuffer,
		scratch:         make([]float32, framesPerBuffer*src.Channels()),
		done:            make(chan struct{}),
	}
}

func (s *PortAudioSink) Start() error {
	s.stream = &portaudio.PaStream{
		OutputParameters: &portaudio.PaStreamParameters{
			DeviceIndex:  s.deviceIndex,
			ChannelCount: s.src.Channels(),
			SampleFormat: portaudio.SampleFmtInt16,
		},
		SampleRate: float64(s.src.SampleRate()),
	}

	if err := s.stream.OpenCallback(s.framesPerBuffer, s.audioCallback); err != nil {
		s.stream = nil
		return fmt.Errorf("failed to open stream with callback: %w", err)
	}
	if err := s.stream.StartStream(); err != nil {
		s.stream.CloseCallback()
		s.stream = nil
		return fmt.Errorf("failed to start stream: %w", err)
	}
	return nil
}

// audioCallback runs on PortAudio's real-time thread. It waits on the
// source for at most one pull timeout.
func (s *PortAudioSink) audioCallback(
	input, output []byte,
	frameCount uint,
	timeInfo *portaudio.StreamCallbackTimeInfo,
	statusFlags portaudio.StreamCallbackFlags,
) portaudio.StreamCallbackResult {
	samples := int(frameCount) * s.src.Channels()
	if s.paused.Load() {
		clear(output[:samples*2])
		return portaudio.Continue
	}

	if len(s.scratch) < samples {
		s.scratch = make([]float32, samples)
	}
	buf := s.scratch[:samples]

	_, ok := s.src.Fill(buf)
	PutInt16LE(output, buf, s.gain.Load())

	if !ok {
		s.signalDone()
		return portaudio.Complete
	}
	return portaudio.Continue
}

func (s *PortAudioSink) Pause() { s.paused.Store(true) }

func (s *PortAudioSink) Resume() { s.paused.Store(false) }

func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	defer s.signalDone()
	if s.stream == nil {
		return nil
	}

	var firstErr error
	if err := s.stream.StopStream(); err != nil {
		firstErr = fmt.Errorf("failed to stop stream: %w", err)
	}
	if err := s.stream.CloseCallback(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close stream: %w", err)
	}
	s.stream = nil
	return firstErr
}

func (s *PortAudioSink) Done() <-chan struct{} { return s.done }

func (s *PortAudioSink) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
