// Package player paces decoded video against the wall clock, runs audio
// alongside it and applies transport commands from the user.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/asciiterm/internal/pipeline"
	"github.com/drgolem/asciiterm/internal/render"
	"github.com/drgolem/asciiterm/pkg/media"
	"github.com/drgolem/asciiterm/pkg/types"
)

// Renderer converts frames into character cells.
type Renderer interface {
	Render(f *media.VideoFrame) (render.Frame, error)
	SetCharMap(index int)
	ToggleGrayscale()
	Resize(cols, rows int)
}

// Display shows rendered frames.
type Display interface {
	Show(frame render.Frame) error
}

// Audio is the transport surface of a running audio stream.
type Audio interface {
	Play()
	Pause()
	Stop() error
	IsPlaying() bool
	SetVolume(v float32)
	Volume() float32
	Mute()
	Unmute()
	ToggleMute()
	IsMuted() bool
	GetPlaybackStatus() types.PlaybackStatus
}

// AudioFactory starts audio output for a file.
type AudioFactory func(path string) (Audio, error)

// Player drives one playback of one file. Run must be called once; Send and
// GetPlaybackStatus may be called from any goroutine.
type Player struct {
	engine   media.Engine
	info     media.Info
	cfg      Config
	renderer Renderer
	display  Display
	newAudio AudioFactory
	log      *slog.Logger

	commands chan Command
	pipe     *pipeline.Pipeline
	fps      float64

	state          atomic.Int32
	startedAt      atomic.Int64
	framesRendered atomic.Uint64
	framesSkipped  atomic.Uint64
	loops          atomic.Uint64

	audioMu sync.Mutex
	audio   Audio

	// owned by the Run goroutine
	handle    media.Handle
	lastFrame *media.VideoFrame
	still     bool
	stopping  bool
	timer     *time.Timer
}

// New prepares a player for info.Path. newAudio may be nil for silent
// playback.
func New(engine media.Engine, info media.Info, cfg Config, r Renderer, d Display, newAudio AudioFactory) *Player {
	cfg = cfg.withDefaults()
	fps := cfg.FPS
	if fps <= 0 {
		fps = info.FPS
	}
	if fps <= 0 {
		fps = DefaultFPS
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	return &Player{
		engine:   engine,
		info:     info,
		cfg:      cfg,
		renderer: r,
		display:  d,
		newAudio: newAudio,
		log:      slog.With("component", "player", "file", filepath.Base(info.Path)),
		commands: make(chan Command, cfg.CommandQueue),
		pipe:     pipeline.New(pipeline.Config{BufferSize: cfg.BufferSize, MaxPacketsPerFill: pipeline.DefaultConfig().MaxPacketsPerFill}),
		fps:      fps,
		timer:    timer,
	}
}

// Send queues cmd without blocking. It returns false when the queue is full
// and the command was dropped, and for seeks, which are not supported.
func (p *Player) Send(cmd Command) bool {
	if cmd.Kind == CmdSeek {
		p.log.Info("Seek not supported", "position", cmd.Seek, "error", media.ErrSeekUnsupported)
		return false
	}
	select {
	case p.commands <- cmd:
		return true
	default:
		p.log.Warn("Command queue full, dropping command", "command", cmd)
		return false
	}
}

func (p *Player) State() State { return State(p.state.Load()) }

func (p *Player) setState(s State) { p.state.Store(int32(s)) }

// FPS returns the frame rate the player paces video at.
func (p *Player) FPS() float64 { return p.fps }

// Run plays the file until it ends, a Stop command arrives or ctx is
// cancelled. Pipeline and audio are always torn down before it returns.
func (p *Player) Run(ctx context.Context) error {
	p.startedAt.Store(time.Now().UnixNano())
	defer p.setState(Stopped)

	switch p.info.Type {
	case media.TypeVideo:
		return p.playVideo(ctx)
	case media.TypeAudio:
		return p.playAudio(ctx)
	case media.TypeImage:
		return p.showImage(ctx)
	default:
		return fmt.Errorf("%s: %w", p.info.Path, media.ErrUnknownMedia)
	}
}

func (p *Player) playVideo(ctx context.Context) error {
	if err := p.openVideo(); err != nil {
		return err
	}
	defer p.teardown()

	p.startAudio()
	p.setState(Playing)

	interval := time.Duration(float64(time.Second) / p.fps)
	p.log.Info("Video playback started", "fps", p.fps, "interval", interval, "audio", p.currentAudio() != nil)

	videoFinished := false
	nextDue := time.Now()
	var pausedAt time.Time
	for ctx.Err() == nil {
		p.drainCommands()
		if p.stopping {
			break
		}

		if videoFinished {
			p.waitAudio(ctx)
			break
		}

		if p.State() != Playing {
			if pausedAt.IsZero() {
				pausedAt = time.Now()
			}
			p.idle(ctx, p.cfg.IdleDelay)
			continue
		}
		if !pausedAt.IsZero() {
			// Audio holds its position while paused, so the schedule does too.
			nextDue = nextDue.Add(time.Since(pausedAt))
			pausedAt = time.Time{}
		}

		now := time.Now()
		if now.Before(nextDue) {
			p.idle(ctx, min(nextDue.Sub(now), p.cfg.IdleDelay))
			continue
		}

		frame, err := p.pipe.NextFrame()
		switch {
		case errors.Is(err, media.ErrStreamFinished):
			if !p.cfg.Loop {
				p.log.Debug("Video stream finished")
				videoFinished = true
				continue
			}
			if err := p.restart(); err != nil {
				return err
			}
			nextDue = time.Now()
			continue
		case err != nil:
			return fmt.Errorf("video pipeline: %w", err)
		case frame == nil:
			p.idle(ctx, p.cfg.CatchUpDelay)
			continue
		}

		if behind := now.Sub(nextDue); behind > 2*interval {
			if p.cfg.AllowFrameSkip {
				late := int(behind / interval)
				if last, n := p.pipe.Skip(late); last != nil {
					frame = last
					p.framesSkipped.Add(uint64(n))
					nextDue = nextDue.Add(time.Duration(n) * interval)
					p.log.Debug("Skipped frames to catch up", "skipped", n, "behind", behind)
				} else {
					nextDue = now
				}
			} else {
				nextDue = now
			}
		}

		if err := p.deliver(frame); err != nil {
			return err
		}
		nextDue = nextDue.Add(interval)
	}

	p.logSummary(interval)
	return nil
}

func (p *Player) playAudio(ctx context.Context) error {
	defer p.teardown()

	p.startAudio()
	audio := p.currentAudio()
	if audio == nil {
		return fmt.Errorf("%s: audio playback unavailable", p.info.Path)
	}
	p.setState(Playing)
	p.log.Info("Audio playback started")

	ticker := time.NewTicker(p.cfg.AudioPollInterval)
	defer ticker.Stop()

	for !p.stopping && audio.IsPlaying() {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-p.commands:
			p.apply(cmd)
		case <-ticker.C:
		}
	}
	p.log.Info("Audio playback finished", "elapsed", p.elapsed().Round(time.Millisecond))
	return nil
}

// showImage renders the first frame and keeps it on screen until Stop or
// cancellation. Rendering commands re-render it.
func (p *Player) showImage(ctx context.Context) error {
	if err := p.openVideo(); err != nil {
		return err
	}
	defer p.teardown()
	p.still = true
	p.setState(Playing)

	var frame *media.VideoFrame
	for frame == nil {
		f, err := p.pipe.NextFrame()
		if errors.Is(err, media.ErrStreamFinished) {
			return fmt.Errorf("%s: image has no decodable frame", p.info.Path)
		}
		if err != nil {
			return fmt.Errorf("image: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		frame = f
	}
	if err := p.deliver(frame); err != nil {
		return err
	}

	for !p.stopping {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-p.commands:
			p.apply(cmd)
		}
	}
	return nil
}

// openVideo opens a handle of its own for the pipeline and starts it.
func (p *Player) openVideo() error {
	h, err := p.engine.Open(p.info.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.info.Path, err)
	}
	if err := p.pipe.SetMedia(h); err != nil {
		h.Close()
		return fmt.Errorf("%s: %w", p.info.Path, err)
	}
	p.handle = h
	p.pipe.Start()
	return nil
}

// restart begins another pass over the file with a fresh handle, pipeline
// state and audio stream.
func (p *Player) restart() error {
	p.pipe.Stop()
	p.closeHandle()
	if err := p.openVideo(); err != nil {
		return fmt.Errorf("loop restart: %w", err)
	}

	if old := p.currentAudio(); old != nil {
		volume, muted := old.Volume(), old.IsMuted()
		if muted {
			old.Unmute()
			volume = old.Volume()
		}
		p.stopAudio()
		p.startAudio()
		if a := p.currentAudio(); a != nil {
			a.SetVolume(volume)
			if muted {
				a.Mute()
			}
		}
	}

	n := p.loops.Add(1)
	p.log.Debug("Playback loop restarted", "loop", n)
	return nil
}

// waitAudio lets audio play out after video ended, bounded by
// AudioDrainTimeout.
func (p *Player) waitAudio(ctx context.Context) {
	audio := p.currentAudio()
	if audio == nil {
		return
	}
	p.log.Debug("Video finished, waiting for audio")

	deadline := time.Now().Add(p.cfg.AudioDrainTimeout)
	ticker := time.NewTicker(p.cfg.AudioPollInterval)
	defer ticker.Stop()

	for !p.stopping && audio.IsPlaying() {
		if time.Now().After(deadline) {
			p.log.Warn("Audio wait timeout reached", "timeout", p.cfg.AudioDrainTimeout)
			return
		}
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.commands:
			p.apply(cmd)
		case <-ticker.C:
		}
	}
}

func (p *Player) teardown() {
	p.pipe.Close()
	p.closeHandle()
	p.stopAudio()
}

func (p *Player) closeHandle() {
	if p.handle == nil {
		return
	}
	if err := p.handle.Close(); err != nil {
		p.log.Warn("Failed to close media handle", "error", err)
	}
	p.handle = nil
}

func (p *Player) startAudio() {
	if !p.cfg.EnableAudio || !p.info.HasAudio || p.newAudio == nil {
		return
	}
	a, err := p.newAudio(p.info.Path)
	if err != nil {
		p.log.Warn("Audio initialization failed, continuing without audio", "error", err)
		return
	}
	p.audioMu.Lock()
	p.audio = a
	p.audioMu.Unlock()
}

func (p *Player) stopAudio() {
	p.audioMu.Lock()
	a := p.audio
	p.audio = nil
	p.audioMu.Unlock()

	if a == nil {
		return
	}
	if err := a.Stop(); err != nil {
		p.log.Warn("Failed to stop audio", "error", err)
	}
}

func (p *Player) currentAudio() Audio {
	p.audioMu.Lock()
	defer p.audioMu.Unlock()
	return p.audio
}

func (p *Player) deliver(frame *media.VideoFrame) error {
	p.lastFrame = frame
	out, err := p.renderer.Render(frame)
	if err != nil {
		p.log.Warn("Failed to render frame", "pts", frame.PTS, "error", err)
		return nil
	}
	if err := p.display.Show(out); err != nil {
		return fmt.Errorf("display: %w", err)
	}
	p.framesRendered.Add(1)
	return nil
}

// idle sleeps up to d. A command arriving meanwhile is applied and ends the
// sleep early.
func (p *Player) idle(ctx context.Context, d time.Duration) {
	p.timer.Reset(d)
	defer p.timer.Stop()
	select {
	case <-ctx.Done():
	case cmd := <-p.commands:
		p.apply(cmd)
	case <-p.timer.C:
	}
}

func (p *Player) drainCommands() {
	for {
		select {
		case cmd := <-p.commands:
			p.apply(cmd)
		default:
			return
		}
	}
}

func (p *Player) apply(cmd Command) {
	p.log.Debug("Command received", "command", cmd)
	audio := p.currentAudio()

	switch cmd.Kind {
	case CmdPlay:
		p.setState(Playing)
		if audio != nil {
			audio.Play()
		}
	case CmdPause:
		p.setState(Paused)
		if audio != nil {
			audio.Pause()
		}
	case CmdTogglePlayPause:
		if p.State() == Playing {
			p.apply(Command{Kind: CmdPause})
		} else {
			p.apply(Command{Kind: CmdPlay})
		}
	case CmdStop:
		p.stopping = true
		p.setState(Stopped)
	case CmdSeek:
		p.log.Warn("Seek ignored", "position", cmd.Seek, "error", media.ErrSeekUnsupported)
	case CmdSetVolume, CmdMute, CmdUnmute, CmdToggleMute:
		if audio == nil {
			p.log.Info("Audio not available", "command", cmd)
			return
		}
		switch cmd.Kind {
		case CmdSetVolume:
			audio.SetVolume(cmd.Volume)
		case CmdMute:
			audio.Mute()
		case CmdUnmute:
			audio.Unmute()
		case CmdToggleMute:
			audio.ToggleMute()
		}
		p.log.Info("Volume changed", "volume", audio.Volume(), "muted", audio.IsMuted())
	case CmdSetCharMap:
		p.renderer.SetCharMap(cmd.CharMap)
		p.log.Info("Character map changed", "char_map", render.CharMapName(cmd.CharMap))
		p.rerender()
	case CmdToggleGrayscale:
		p.renderer.ToggleGrayscale()
		p.rerender()
	case CmdResize:
		p.renderer.Resize(cmd.Width, cmd.Height)
		p.rerender()
	default:
		p.log.Warn("Unknown command", "command", cmd)
	}
}

// rerender redraws the last frame when nothing else will replace it soon.
func (p *Player) rerender() {
	if p.lastFrame == nil || (p.State() == Playing && !p.still) {
		return
	}
	if err := p.deliver(p.lastFrame); err != nil {
		p.log.Warn("Failed to redraw frame", "error", err)
	}
}

func (p *Player) elapsed() time.Duration {
	start := p.startedAt.Load()
	if start == 0 {
		return 0
	}
	return time.Since(time.Unix(0, start))
}

func (p *Player) logSummary(interval time.Duration) {
	rendered := p.framesRendered.Load()
	skipped := p.framesSkipped.Load()
	p.log.Info("Video playback finished",
		"frames", rendered,
		"skipped", skipped,
		"loops", p.loops.Load(),
		"playback", p.elapsed().Round(time.Millisecond),
		"expected", (time.Duration(rendered+skipped) * interval).Round(time.Millisecond))
}

// GetPlaybackStatus implements types.PlaybackMonitor.
func (p *Player) GetPlaybackStatus() types.PlaybackStatus {
	st := types.PlaybackStatus{
		FileName:       filepath.Base(p.info.Path),
		State:          p.State().String(),
		MediaType:      p.info.Type.String(),
		FPS:            p.fps,
		FramesRendered: p.framesRendered.Load(),
		FramesSkipped:  p.framesSkipped.Load(),
		FramesBuffered: p.pipe.Buffered(),
		DecodeErrors:   p.pipe.Stats().DecodeErrors,
		ElapsedTime:    p.elapsed(),
	}

	if audio := p.currentAudio(); audio != nil {
		as := audio.GetPlaybackStatus()
		st.SampleRate = as.SampleRate
		st.Channels = as.Channels
		st.SamplesSent = as.SamplesSent
		st.PlayedSamples = as.PlayedSamples
		st.Underruns = as.Underruns
		st.Volume = as.Volume
		st.Muted = as.Muted
		st.AudioActive = as.AudioActive
	}
	return st
}
