package player

import (
	"time"

	"github.com/drgolem/asciiterm/internal/pipeline"
)

// Config holds playback settings for one Player.
type Config struct {
	FPS            float64 // overrides the source frame rate when > 0
	Loop           bool
	AllowFrameSkip bool
	EnableAudio    bool

	BufferSize   int // prefetched video frames
	CommandQueue int // pending commands before Send drops

	AudioPollInterval time.Duration // how often a finished video checks audio
	AudioDrainTimeout time.Duration // upper bound on waiting for audio after video
	IdleDelay         time.Duration // sleep while paused
	CatchUpDelay      time.Duration // sleep while the pipeline has no frame yet
}

// DefaultFPS is used when neither the config nor the source has a rate.
const DefaultFPS = 30.0

func DefaultConfig() Config {
	return Config{
		EnableAudio:       true,
		BufferSize:        pipeline.DefaultConfig().BufferSize,
		CommandQueue:      64,
		AudioPollInterval: 500 * time.Millisecond,
		AudioDrainTimeout: 60 * time.Second,
		IdleDelay:         16 * time.Millisecond,
		CatchUpDelay:      10 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.CommandQueue <= 0 {
		c.CommandQueue = d.CommandQueue
	}
	if c.AudioPollInterval <= 0 {
		c.AudioPollInterval = d.AudioPollInterval
	}
	if c.AudioDrainTimeout <= 0 {
		c.AudioDrainTimeout = d.AudioDrainTimeout
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = d.IdleDelay
	}
	if c.CatchUpDelay <= 0 {
		c.CatchUpDelay = d.CatchUpDelay
	}
	return c
}
