// Package ffmpeg implements media.Engine on top of the FFmpeg libraries
// through go-astiav. Video frames are always converted to packed RGB24.
package ffmpeg

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/drgolem/asciiterm/pkg/media"
)

// Engine opens containers with libavformat. It holds no state; every Open
// returns a handle with its own read position.
type Engine struct{}

// New returns an Engine and lowers FFmpeg's log level to errors only, so the
// library does not write over the terminal while frames are drawn.
func New() *Engine {
	astiav.SetLogLevel(astiav.LogLevelError)
	return &Engine{}
}

func (e *Engine) Open(path string) (media.Handle, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("ffmpeg: failed to allocate format context")
	}
	if err := fc.OpenInput(path, nil, nil); err != nil {
		fc.Free()
		return nil, fmt.Errorf("ffmpeg: open %s: %w", path, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("ffmpeg: stream info %s: %w", path, err)
	}

	h := &handle{fc: fc, video: -1, audio: -1}
	h.info = h.probe(path)
	return h, nil
}

type handle struct {
	fc    *astiav.FormatContext
	info  media.Info
	video int
	audio int
}

// imageCodecs are still-picture codecs. A file whose only "video" is one of
// these next to an audio stream carries cover art, not video.
var imageCodecs = map[string]bool{
	"mjpeg": true,
	"png":   true,
	"bmp":   true,
	"gif":   true,
	"webp":  true,
	"tiff":  true,
}

func (h *handle) probe(path string) media.Info {
	info := media.Info{Path: path}

	for _, s := range h.fc.Streams() {
		cp := s.CodecParameters()
		switch cp.MediaType() {
		case astiav.MediaTypeVideo:
			if h.video >= 0 {
				continue
			}
			h.video = s.Index()
			info.HasVideo = true
			info.Width = cp.Width()
			info.Height = cp.Height()
			info.FPS = s.AvgFrameRate().Float64()
			info.VideoCodec = strings.ToLower(cp.CodecID().String())
		case astiav.MediaTypeAudio:
			if h.audio >= 0 {
				continue
			}
			h.audio = s.Index()
			info.HasAudio = true
			info.SampleRate = cp.SampleRate()
			info.Channels = cp.ChannelLayout().Channels()
			info.AudioCodec = strings.ToLower(cp.CodecID().String())
		}
	}

	if d := h.fc.Duration(); d > 0 {
		info.Duration = time.Duration(d) * time.Microsecond
	}

	switch {
	case info.HasVideo && info.HasAudio && imageCodecs[info.VideoCodec]:
		info.HasVideo = false
		h.video = -1
		info.Type = media.TypeAudio
	case info.HasVideo && imageCodecs[info.VideoCodec] && info.Duration <= time.Second:
		info.Type = media.TypeImage
	case info.HasVideo:
		info.Type = media.TypeVideo
	case info.HasAudio:
		info.Type = media.TypeAudio
	}
	return info
}

func (h *handle) Info() media.Info {
	return h.info
}

func (h *handle) BestStream(kind media.StreamKind) (media.StreamRef, bool) {
	idx := h.video
	if kind == media.StreamAudio {
		idx = h.audio
	}
	if idx < 0 {
		return media.StreamRef{}, false
	}
	return media.StreamRef{Index: idx, Kind: kind}, true
}

func (h *handle) ReadPacket() (media.Packet, error) {
	pkt := astiav.AllocPacket()
	if err := h.fc.ReadFrame(pkt); err != nil {
		pkt.Free()
		if errors.Is(err, astiav.ErrEof) {
			return nil, media.ErrEndOfStream
		}
		return nil, fmt.Errorf("ffmpeg: read packet: %w", err)
	}
	return &packet{pkt: pkt}, nil
}

func (h *handle) NewVideoDecoder(ref media.StreamRef) (media.VideoDecoder, error) {
	if ref.Kind != media.StreamVideo || ref.Index < 0 || ref.Index >= len(h.fc.Streams()) {
		return nil, media.ErrNoVideoStream
	}
	return newVideoDecoder(h.fc.Streams()[ref.Index])
}

func (h *handle) Close() error {
	if h.fc == nil {
		return nil
	}
	h.fc.CloseInput()
	h.fc.Free()
	h.fc = nil
	return nil
}

type packet struct {
	pkt *astiav.Packet
}

func (p *packet) StreamIndex() int {
	return p.pkt.StreamIndex()
}

func (p *packet) Free() {
	if p.pkt != nil {
		p.pkt.Free()
		p.pkt = nil
	}
}
