// Package enginetest provides an in-memory media.Engine that produces a
// deterministic packet and frame sequence, for exercising the pipeline and
// the player without FFmpeg.
package enginetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/asciiterm/pkg/media"
)

const (
	VideoStreamIndex = 0
	AudioStreamIndex = 1
)

// ErrCorruptPacket is returned by the decoder for packets listed in
// Config.CorruptPackets.
var ErrCorruptPacket = errors.New("enginetest: corrupt packet")

// Config describes the synthetic stream.
type Config struct {
	Frames          int     // video frames in the stream
	Width, Height   int     // frame size, default 4x2
	FPS             float64 // default 30
	PacketsPerFrame int     // packets needed per frame, default 1
	CorruptPackets  []int   // video packet sequence numbers that fail to decode
	DecoderDelay    int     // frames held inside the decoder until Flush

	NoVideo         bool
	Image           bool
	AudioSampleRate int // 0 means no audio stream
	AudioChannels   int

	OpenErr error
}

// Engine implements media.Engine.
type Engine struct {
	cfg   Config
	opens atomic.Int32

	mu      sync.Mutex
	handles []*Handle
}

func New(cfg Config) *Engine {
	if cfg.Width == 0 {
		cfg.Width = 4
	}
	if cfg.Height == 0 {
		cfg.Height = 2
	}
	if cfg.FPS == 0 {
		cfg.FPS = 30
	}
	if cfg.PacketsPerFrame <= 0 {
		cfg.PacketsPerFrame = 1
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Open(path string) (media.Handle, error) {
	if e.cfg.OpenErr != nil {
		return nil, e.cfg.OpenErr
	}
	e.opens.Add(1)
	h := &Handle{cfg: e.cfg, path: path}
	e.mu.Lock()
	e.handles = append(e.handles, h)
	e.mu.Unlock()
	return h, nil
}

// Opens returns how many handles were opened.
func (e *Engine) Opens() int {
	return int(e.opens.Load())
}

// OpenHandles returns how many handles were opened and not yet closed.
func (e *Engine) OpenHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, h := range e.handles {
		if !h.closed.Load() {
			n++
		}
	}
	return n
}

// Info builds the media.Info this engine reports for path.
func (e *Engine) Info(path string) media.Info {
	return info(e.cfg, path)
}

func info(cfg Config, path string) media.Info {
	in := media.Info{
		Path:     path,
		HasVideo: !cfg.NoVideo,
		HasAudio: cfg.AudioSampleRate > 0,
	}
	if in.HasVideo {
		in.Width, in.Height, in.FPS = cfg.Width, cfg.Height, cfg.FPS
		in.VideoCodec = "rawvideo"
		in.Duration = time.Duration(float64(cfg.Frames) / cfg.FPS * float64(time.Second))
	}
	if in.HasAudio {
		in.SampleRate, in.Channels = cfg.AudioSampleRate, cfg.AudioChannels
		in.AudioCodec = "pcm_f32le"
	}
	switch {
	case cfg.Image:
		in.Type = media.TypeImage
	case in.HasVideo:
		in.Type = media.TypeVideo
	case in.HasAudio:
		in.Type = media.TypeAudio
	}
	return in
}

// Handle implements media.Handle over the synthetic packet sequence: one
// video packet followed by one audio packet (when audio is configured).
type Handle struct {
	cfg    Config
	path   string
	seq    int // next video packet
	audio  bool
	freed  atomic.Int64
	reads  atomic.Int64
	closed atomic.Bool
}

func (h *Handle) Info() media.Info {
	return info(h.cfg, h.path)
}

func (h *Handle) BestStream(kind media.StreamKind) (media.StreamRef, bool) {
	switch kind {
	case media.StreamVideo:
		if h.cfg.NoVideo {
			return media.StreamRef{}, false
		}
		return media.StreamRef{Index: VideoStreamIndex, Kind: kind}, true
	case media.StreamAudio:
		if h.cfg.AudioSampleRate == 0 {
			return media.StreamRef{}, false
		}
		return media.StreamRef{Index: AudioStreamIndex, Kind: kind}, true
	}
	return media.StreamRef{}, false
}

func (h *Handle) ReadPacket() (media.Packet, error) {
	if h.closed.Load() {
		return nil, errors.New("enginetest: read on closed handle")
	}
	total := h.cfg.Frames * h.cfg.PacketsPerFrame
	if h.cfg.NoVideo {
		total = 0
	}
	if h.audio && h.cfg.AudioSampleRate > 0 {
		h.audio = false
		h.reads.Add(1)
		return &Packet{h: h, stream: AudioStreamIndex}, nil
	}
	if h.seq >= total {
		return nil, media.ErrEndOfStream
	}
	p := &Packet{h: h, stream: VideoStreamIndex, seq: h.seq}
	h.seq++
	h.audio = true
	h.reads.Add(1)
	return p, nil
}

func (h *Handle) NewVideoDecoder(ref media.StreamRef) (media.VideoDecoder, error) {
	if h.cfg.NoVideo || ref.Index != VideoStreamIndex {
		return nil, fmt.Errorf("enginetest: stream %d: %w", ref.Index, media.ErrNoVideoStream)
	}
	corrupt := make(map[int]bool, len(h.cfg.CorruptPackets))
	for _, seq := range h.cfg.CorruptPackets {
		corrupt[seq] = true
	}
	return &Decoder{cfg: h.cfg, corrupt: corrupt}, nil
}

func (h *Handle) Close() error {
	h.closed.Store(true)
	return nil
}

// PacketsRead returns how many packets were handed out.
func (h *Handle) PacketsRead() int {
	return int(h.reads.Load())
}

// Packet implements media.Packet.
type Packet struct {
	h      *Handle
	stream int
	seq    int
}

func (p *Packet) StreamIndex() int { return p.stream }

func (p *Packet) Free() { p.h.freed.Add(1) }

// Decoder implements media.VideoDecoder.
type Decoder struct {
	cfg     Config
	corrupt map[int]bool
	pending []*media.VideoFrame
	decoded int
}

func (d *Decoder) Decode(pkt media.Packet) (*media.VideoFrame, error) {
	p, ok := pkt.(*Packet)
	if !ok {
		return nil, fmt.Errorf("enginetest: foreign packet %T", pkt)
	}
	if p.stream != VideoStreamIndex {
		return nil, nil
	}
	if d.corrupt[p.seq] {
		return nil, fmt.Errorf("packet %d: %w", p.seq, ErrCorruptPacket)
	}
	if p.seq%d.cfg.PacketsPerFrame != d.cfg.PacketsPerFrame-1 {
		return nil, nil
	}

	d.pending = append(d.pending, d.frame(p.seq/d.cfg.PacketsPerFrame))
	if len(d.pending) <= d.cfg.DecoderDelay {
		return nil, nil
	}
	f := d.pending[0]
	d.pending = d.pending[1:]
	d.decoded++
	return f, nil
}

func (d *Decoder) Flush() ([]*media.VideoFrame, error) {
	out := d.pending
	d.pending = nil
	d.decoded += len(out)
	return out, nil
}

func (d *Decoder) Close() error { return nil }

func (d *Decoder) frame(index int) *media.VideoFrame {
	data := make([]byte, d.cfg.Width*d.cfg.Height*3)
	for i := range data {
		data[i] = byte(index)
	}
	return &media.VideoFrame{
		Data:      data,
		Width:     d.cfg.Width,
		Height:    d.cfg.Height,
		Format:    media.PixelFormatRGB24,
		Timestamp: time.Duration(float64(index) / d.cfg.FPS * float64(time.Second)),
		PTS:       int64(index),
	}
}
