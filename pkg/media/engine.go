package media

import (
	"fmt"
	"time"
)

// StreamKind selects a stream family within a container.
type StreamKind int

const (
	StreamVideo StreamKind = iota
	StreamAudio
)

func (k StreamKind) String() string {
	if k == StreamAudio {
		return "audio"
	}
	return "video"
}

// MediaType is the playback mode chosen for a file.
type MediaType int

const (
	TypeUnknown MediaType = iota
	TypeVideo
	TypeAudio
	TypeImage
)

func (t MediaType) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeImage:
		return "image"
	default:
		return "unknown"
	}
}

// StreamRef identifies a stream inside an opened Handle.
type StreamRef struct {
	Index int
	Kind  StreamKind
}

// Info describes an opened media file. Zero values mean "not known".
type Info struct {
	Path       string
	Type       MediaType
	Duration   time.Duration
	HasVideo   bool
	HasAudio   bool
	Width      int
	Height     int
	FPS        float64
	VideoCodec string
	AudioCodec string
	SampleRate int
	Channels   int
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s duration=%s video=%dx%d@%.2f audio=%dHz/%dch",
		i.Path, i.Type, i.Duration, i.Width, i.Height, i.FPS, i.SampleRate, i.Channels)
}

// Engine opens media files. It is the only entry point into the codec layer.
type Engine interface {
	Open(path string) (Handle, error)
}

// Handle is an opened container with an independent read position.
type Handle interface {
	Info() Info

	// BestStream returns the preferred stream of the given kind.
	BestStream(kind StreamKind) (StreamRef, bool)

	// ReadPacket returns the next packet of any stream, or ErrEndOfStream.
	ReadPacket() (Packet, error)

	// NewVideoDecoder builds a decoder for the referenced video stream.
	NewVideoDecoder(ref StreamRef) (VideoDecoder, error)

	Close() error
}

// Packet is an undecoded unit owned by the engine that produced it. Callers
// must Free every packet they receive.
type Packet interface {
	StreamIndex() int
	Free()
}

// VideoDecoder turns packets into frames. A packet may yield no frame
// (multi-packet codecs); that is not an error. Packets from other streams
// are ignored.
type VideoDecoder interface {
	Decode(pkt Packet) (*VideoFrame, error)

	// Flush drains frames still buffered inside the decoder at end of stream.
	Flush() ([]*VideoFrame, error)

	Close() error
}
