package media

import "errors"

var (
	// ErrEndOfStream is returned by Handle.ReadPacket when packets are exhausted.
	ErrEndOfStream = errors.New("end of stream")

	// ErrStreamFinished is returned by the prefetch pipeline once EOF was
	// reached and every buffered frame has been delivered.
	ErrStreamFinished = errors.New("stream finished")

	ErrNoVideoStream   = errors.New("no video stream")
	ErrNoAudioStream   = errors.New("no audio stream")
	ErrNoMedia         = errors.New("no media set")
	ErrUnknownMedia    = errors.New("unknown media type")
	ErrSeekUnsupported = errors.New("seek is not supported")
)
