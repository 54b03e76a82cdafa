package ffmpeg

import (
	"errors"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/drgolem/asciiterm/pkg/media"
)

// videoDecoder decodes one video stream and converts every frame to RGB24.
type videoDecoder struct {
	index    int
	timeBase astiav.Rational
	cc       *astiav.CodecContext
	frame    *astiav.Frame
	rgb      *astiav.Frame

	sws    *astiav.SoftwareScaleContext
	swsW   int
	swsH   int
	swsFmt astiav.PixelFormat

	// frames received but not yet returned; a packet may yield several
	pending []*media.VideoFrame
}

func newVideoDecoder(s *astiav.Stream) (*videoDecoder, error) {
	cp := s.CodecParameters()
	codec := astiav.FindDecoder(cp.CodecID())
	if codec == nil {
		return nil, fmt.Errorf("ffmpeg: no decoder for codec %s", cp.CodecID())
	}

	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("ffmpeg: failed to allocate codec context")
	}
	if err := cp.ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, fmt.Errorf("ffmpeg: codec parameters: %w", err)
	}
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("ffmpeg: open codec %s: %w", cp.CodecID(), err)
	}

	return &videoDecoder{
		index:    s.Index(),
		timeBase: s.TimeBase(),
		cc:       cc,
		frame:    astiav.AllocFrame(),
		rgb:      astiav.AllocFrame(),
	}, nil
}

func (d *videoDecoder) Decode(pkt media.Packet) (*media.VideoFrame, error) {
	p, ok := pkt.(*packet)
	if !ok {
		return nil, fmt.Errorf("ffmpeg: foreign packet %T", pkt)
	}
	if p.StreamIndex() != d.index {
		return nil, nil
	}

	for {
		err := d.cc.SendPacket(p.pkt)
		if err == nil {
			break
		}
		if !errors.Is(err, astiav.ErrEagain) {
			return nil, fmt.Errorf("ffmpeg: send packet: %w", err)
		}
		// Decoder output is full: take frames out, then resend.
		if rerr := d.receiveAll(); rerr != nil {
			return nil, rerr
		}
	}

	if err := d.receiveAll(); err != nil {
		return nil, err
	}
	return d.pop(), nil
}

func (d *videoDecoder) Flush() ([]*media.VideoFrame, error) {
	if err := d.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return d.drainPending(), fmt.Errorf("ffmpeg: flush: %w", err)
	}
	err := d.receiveAll()
	return d.drainPending(), err
}

func (d *videoDecoder) Close() error {
	if d.sws != nil {
		d.sws.Free()
		d.sws = nil
	}
	if d.rgb != nil {
		d.rgb.Free()
		d.rgb = nil
	}
	if d.frame != nil {
		d.frame.Free()
		d.frame = nil
	}
	if d.cc != nil {
		d.cc.Free()
		d.cc = nil
	}
	return nil
}

func (d *videoDecoder) pop() *media.VideoFrame {
	if len(d.pending) == 0 {
		return nil
	}
	f := d.pending[0]
	d.pending = d.pending[1:]
	return f
}

func (d *videoDecoder) drainPending() []*media.VideoFrame {
	out := d.pending
	d.pending = nil
	return out
}

// receiveAll moves every frame the decoder has ready into pending.
func (d *videoDecoder) receiveAll() error {
	for {
		err := d.cc.ReceiveFrame(d.frame)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ffmpeg: receive frame: %w", err)
		}

		vf, err := d.convert(d.frame)
		d.frame.Unref()
		if err != nil {
			return err
		}
		d.pending = append(d.pending, vf)
	}
}

func (d *videoDecoder) convert(src *astiav.Frame) (*media.VideoFrame, error) {
	w, h, pf := src.Width(), src.Height(), src.PixelFormat()
	if d.sws == nil || w != d.swsW || h != d.swsH || pf != d.swsFmt {
		if d.sws != nil {
			d.sws.Free()
		}
		sws, err := astiav.CreateSoftwareScaleContext(w, h, pf, w, h, astiav.PixelFormatRgb24,
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear))
		if err != nil {
			d.sws = nil
			return nil, fmt.Errorf("ffmpeg: scale context %dx%d %s: %w", w, h, pf, err)
		}
		d.sws, d.swsW, d.swsH, d.swsFmt = sws, w, h, pf
	}

	d.rgb.Unref()
	if err := d.sws.ScaleFrame(src, d.rgb); err != nil {
		return nil, fmt.Errorf("ffmpeg: scale frame: %w", err)
	}
	data, err := d.rgb.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: frame data: %w", err)
	}

	pts := src.Pts()
	var ts time.Duration
	if pts != astiav.NoPtsValue {
		ts = time.Duration(float64(pts) * d.timeBase.Float64() * float64(time.Second))
	}

	return &media.VideoFrame{
		Data:      data,
		Width:     w,
		Height:    h,
		Format:    media.PixelFormatRGB24,
		Timestamp: ts,
		PTS:       pts,
	}, nil
}
