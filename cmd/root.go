package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "asciiterm",
	Version: version,
	Short:   "Terminal media player rendering video as colored ASCII art",
	Long: `asciiterm - plays video, audio and images in the terminal.

Video frames are decoded ahead of time into a small prefetch buffer and drawn
as colored characters at the source frame rate. Audio is decoded by an
ffmpeg process and streamed to PortAudio alongside the picture.

Features:
  - Video, audio-only and still image playback
  - 10 character maps, grayscale mode and aspect width modifier
  - Wall-clock pacing with optional frame skipping
  - http(s) inputs downloaded before playback
  - Looping, volume and mute controls from the keyboard

Commands:
  - play: Play a media file or URL in the terminal
  - probe: Print stream information for a media file
  - extract-audio: Decode a file's audio track into a 16-bit WAV file`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the default slog logger writing text records to w.
func setupLogging(w io.Writer, verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}
