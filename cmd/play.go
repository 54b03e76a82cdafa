package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drgolem/asciiterm/internal/audiobridge"
	"github.com/drgolem/asciiterm/internal/fetch"
	"github.com/drgolem/asciiterm/internal/player"
	"github.com/drgolem/asciiterm/internal/render"
	"github.com/drgolem/asciiterm/internal/terminal"
	"github.com/drgolem/asciiterm/pkg/decoders"
	"github.com/drgolem/asciiterm/pkg/media"
	"github.com/drgolem/asciiterm/pkg/types"

	"github.com/drgolem/go-portaudio/portaudio"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const sizePollInterval = 250 * time.Millisecond

var (
	playFPS             float64
	playLoop            bool
	playCharMap         int
	playGray            bool
	playWidthMod        int
	playAllowFrameSkip  bool
	playNewlines        bool
	playNoAudio         bool
	playDeviceIdx       int
	playFramesPerBuffer int
	playVerbose         bool
	playLogFile         string
)

var playCmd = &cobra.Command{
	Use:   "play <media_file|url>",
	Short: "Play a media file or URL in the terminal",
	Long: `Play video as colored ASCII art with synchronized audio, audio files with
a blank screen, or show still images until you quit.

Examples:
  # Play a video with the default character map
  asciiterm play movie.mp4

  # Loop with the block character map in grayscale
  asciiterm play --loop --char-map 3 --gray clip.webm

  # Wide cells for terminals with tall fonts, skip frames when behind
  asciiterm play --width-mod 2 --allow-frame-skip movie.mkv

  # Download and play a remote file, logging to a file
  asciiterm play -v --log-file play.log https://example.com/clip.mp4

Keys:
  space      pause / resume
  q, Esc     quit
  m          mute / unmute
  + / -      volume up / down
  0-9        character map
  g          grayscale`,
	Args: cobra.ExactArgs(1),
	Run:  runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().Float64VarP(&playFPS, "fps", "f", 0, "Force frame rate (0 = source rate)")
	playCmd.Flags().BoolVarP(&playLoop, "loop", "l", false, "Loop playback")
	playCmd.Flags().IntVarP(&playCharMap, "char-map", "c", 0, "Character map (0-9)")
	playCmd.Flags().BoolVarP(&playGray, "gray", "g", false, "Grayscale mode")
	playCmd.Flags().IntVarP(&playWidthMod, "width-mod", "w", 1, "Terminal columns per rendered cell")
	playCmd.Flags().BoolVar(&playAllowFrameSkip, "allow-frame-skip", false, "Skip frames when playback falls behind")
	playCmd.Flags().BoolVarP(&playNewlines, "newlines", "n", false, "Separate rows with newlines")
	playCmd.Flags().BoolVar(&playNoAudio, "no-audio", false, "Disable audio playback")
	playCmd.Flags().IntVarP(&playDeviceIdx, "device", "d", 1, "Audio output device index")
	playCmd.Flags().IntVarP(&playFramesPerBuffer, "frames", "p", 512, "Audio frames per buffer")
	playCmd.Flags().BoolVarP(&playVerbose, "verbose", "v", false, "Verbose output (debug logging)")
	playCmd.Flags().StringVar(&playLogFile, "log-file", "", "Write logs to this file while playing")
}

func runPlay(cmd *cobra.Command, args []string) {
	setupLogging(os.Stderr, playVerbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := play(ctx, args[0]); err != nil {
		setupLogging(os.Stderr, playVerbose)
		slog.Error("Playback failed", "error", err)
		os.Exit(1)
	}
}

func play(ctx context.Context, input string) error {
	path := input
	if fetch.IsURL(input) {
		slog.Info("Downloading media file", "url", input)
		downloaded, err := fetch.Download(ctx, input, fetch.DefaultConfig())
		if err != nil {
			return err
		}
		defer os.Remove(downloaded)
		path = downloaded
	}

	engine := decoders.NewEngine()
	info, err := decoders.Probe(engine, path)
	if err != nil {
		return err
	}
	printMediaInfo(os.Stdout, info)
	if info.Type == media.TypeUnknown {
		return fmt.Errorf("%s: %w", input, media.ErrUnknownMedia)
	}

	enableAudio := !playNoAudio && info.HasAudio
	if enableAudio {
		if err := portaudio.Initialize(); err != nil {
			slog.Warn("Failed to initialize PortAudio, continuing without audio", "error", err)
			enableAudio = false
		} else {
			defer portaudio.Terminate()
			slog.Info("PortAudio initialized", "version", portaudio.GetVersion())
		}
	}

	logOut, closeLog, err := playbackLogOutput()
	if err != nil {
		return err
	}
	defer closeLog()

	term, err := terminal.Open(os.Stdin, os.Stdout, playWidthMod)
	if err != nil {
		return err
	}
	defer term.Close()
	// The terminal owns the screen from here on.
	setupLogging(logOut, playVerbose)

	rcfg := render.DefaultConfig()
	rcfg.CharMap = playCharMap
	rcfg.Grayscale = playGray
	rcfg.Newlines = playNewlines
	rcfg.WidthModifier = playWidthMod
	renderer := render.New(rcfg)
	cols, rows, sizeErr := term.Size()
	if sizeErr == nil {
		renderer.Resize(cols, rows)
	} else {
		slog.Warn("Failed to read terminal size, using defaults", "error", sizeErr)
	}

	pcfg := player.DefaultConfig()
	pcfg.FPS = playFPS
	pcfg.Loop = playLoop
	pcfg.AllowFrameSkip = playAllowFrameSkip
	pcfg.EnableAudio = enableAudio

	var newAudio player.AudioFactory
	if enableAudio {
		newAudio = portAudioFactory(info)
	}
	p := player.New(engine, info, pcfg, renderer, term, newAudio)

	g, gctx := errgroup.WithContext(ctx)
	inputCtx, cancelInputs := context.WithCancel(gctx)

	g.Go(func() error {
		defer cancelInputs()
		return p.Run(gctx)
	})
	g.Go(func() error {
		return terminal.ReadInput(inputCtx, term.Input(), terminal.NewKeymap(1), p.Send)
	})
	if sizeErr == nil {
		g.Go(func() error {
			return terminal.WatchSize(inputCtx, sizePollInterval, term.Size, p.Send)
		})
	}
	if playVerbose {
		g.Go(func() error {
			monitorPlayback(inputCtx, p)
			return nil
		})
	}

	err = g.Wait()
	if cerr := term.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// portAudioFactory starts a bridged audio stream with PortAudio output for
// every playback pass.
func portAudioFactory(info media.Info) player.AudioFactory {
	format := audiobridge.Format{SampleRate: info.SampleRate, Channels: info.Channels}
	return func(path string) (player.Audio, error) {
		cfg := audiobridge.DefaultConfig()
		cfg.Sink = audiobridge.PortAudio(playDeviceIdx, playFramesPerBuffer)
		b, err := audiobridge.New(path, format, cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// playbackLogOutput picks where logs go while the terminal is drawing.
func playbackLogOutput() (io.Writer, func(), error) {
	if playLogFile == "" {
		return io.Discard, func() {}, nil
	}
	f, err := os.OpenFile(playLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// monitorPlayback logs playback status every 2 seconds for any PlaybackMonitor
func monitorPlayback(ctx context.Context, monitor types.PlaybackMonitor) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := monitor.GetPlaybackStatus()

			attrs := []any{
				"file", status.FileName,
				"state", status.State,
				"elapsed", formatClock(status.ElapsedTime),
				"frames", status.FramesRendered,
				"skipped", status.FramesSkipped,
				"buffered", status.FramesBuffered,
				"decode_errors", status.DecodeErrors,
			}
			if status.SampleRate > 0 && status.Channels > 0 {
				played := time.Duration(float64(status.PlayedSamples) / float64(status.SampleRate) * float64(time.Second))
				attrs = append(attrs,
					"audio", fmt.Sprintf("%dHz:%dch", status.SampleRate, status.Channels),
					"played", formatClock(played),
					"underruns", status.Underruns,
					"volume", fmt.Sprintf("%.1f", status.Volume),
					"muted", status.Muted)
			}
			slog.Info("Playback status", attrs...)
		case <-ctx.Done():
			return
		}
	}
}

// formatClock formats d as hh:mm:ss.msec
func formatClock(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, (ms%3600000)/60000, (ms%60000)/1000, ms%1000)
}
