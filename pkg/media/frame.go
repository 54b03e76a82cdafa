// Package media defines the frame and sample types that flow from the decode
// engine through the prefetch pipeline and audio bridge to the renderer and
// the audio output, plus the narrow engine interface the player consumes.
package media

import "time"

// PixelFormat tags the layout of VideoFrame.Data.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGB24
	PixelFormatRGBA
	PixelFormatGray8
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGB24:
		return "rgb24"
	case PixelFormatRGBA:
		return "rgba"
	case PixelFormatGray8:
		return "gray8"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the packed pixel size, or 0 for unknown formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGB24:
		return 3
	case PixelFormatRGBA:
		return 4
	case PixelFormatGray8:
		return 1
	default:
		return 0
	}
}

// VideoFrame is a single decoded picture. Frames are immutable once produced;
// whoever dequeues a frame from the pipeline owns it.
type VideoFrame struct {
	Data      []byte        // packed pixels, row-major, no padding
	Width     int           // in pixels
	Height    int           // in pixels
	Format    PixelFormat   // layout of Data
	Timestamp time.Duration // presentation time from stream start
	PTS       int64         // raw decoder PTS, ordering key only
}

// RGBAt returns the color of pixel (x, y). Out of range coordinates and
// unknown formats yield black.
func (f *VideoFrame) RGBAt(x, y int) (r, g, b uint8) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, 0, 0
	}
	bpp := f.Format.BytesPerPixel()
	off := (y*f.Width + x) * bpp
	if bpp == 0 || off+bpp > len(f.Data) {
		return 0, 0, 0
	}
	switch f.Format {
	case PixelFormatGray8:
		v := f.Data[off]
		return v, v, v
	default:
		return f.Data[off], f.Data[off+1], f.Data[off+2]
	}
}

// SampleChunk is a run of normalized (-1.0..1.0) interleaved samples.
// SampleRate and Channels are fixed for the lifetime of the bridge that
// produced the chunk.
type SampleChunk struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel) in the chunk.
func (c SampleChunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}
