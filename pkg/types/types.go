package types

import (
	"time"

	"github.com/drgolem/ringbuffer"
)

// PlaybackStatus holds unified playback information for the player and its
// audio bridge. Fields that do not apply to a reporter are left zero.
type PlaybackStatus struct {
	FileName   string  // Base name of the file being played
	State      string  // "playing", "paused" or "stopped"
	MediaType  string  // "video", "audio" or "image"
	SampleRate int     // Audio sample rate in Hz (e.g., 44100, 48000)
	Channels   int     // Number of audio channels (1=mono, 2=stereo)
	FPS        float64 // Target video frame rate

	FramesRendered uint64 // Video frames handed to the renderer
	FramesSkipped  uint64 // Frames discarded to catch up with the clock
	FramesBuffered int    // Frames decoded and waiting in the prefetch buffer
	DecodeErrors   uint64 // Packets that failed to decode and were skipped

	SamplesSent   uint64 // Samples (all channels) pushed by the audio decoder
	PlayedSamples uint64 // Sample frames actually sent to the audio output
	Underruns     uint64 // Pulls answered with silence because no data was ready
	Volume        float32
	Muted         bool
	AudioActive   bool

	ElapsedTime time.Duration // Wall-clock time since playback started
}

// AudioCoverage returns the fraction of expected decoded audio, in seconds of
// SamplesSent against the given expected duration.
func (s PlaybackStatus) AudioCoverage(expected time.Duration) float64 {
	if s.SampleRate <= 0 || s.Channels <= 0 || expected <= 0 {
		return 0
	}
	seconds := float64(s.SamplesSent) / float64(s.SampleRate*s.Channels)
	return seconds / expected.Seconds()
}

// PlaybackMonitor is an interface for types that can report playback status.
// Implementing this interface allows consistent status monitoring across
// the player and its components.
type PlaybackMonitor interface {
	GetPlaybackStatus() PlaybackStatus
}

// Re-export common ringbuffer errors from github.com/drgolem/ringbuffer
// so the local ring implementations report the same sentinels.
var (
	// ErrInsufficientSpace indicates the ringbuffer doesn't have enough space for the write operation
	ErrInsufficientSpace = ringbuffer.ErrInsufficientSpace

	// ErrInsufficientData indicates the ringbuffer doesn't have enough data for the read operation
	ErrInsufficientData = ringbuffer.ErrInsufficientData
)
