package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/drgolem/asciiterm/pkg/decoders"
	"github.com/drgolem/asciiterm/pkg/media"

	"github.com/spf13/cobra"
)

var probeVerbose bool

var probeCmd = &cobra.Command{
	Use:   "probe <media_file>",
	Short: "Print stream information for a media file",
	Long: `Open a media file, read its stream information and print it.

Examples:
  asciiterm probe movie.mp4
  asciiterm probe cover.png`,
	Args: cobra.ExactArgs(1),
	Run:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().BoolVarP(&probeVerbose, "verbose", "v", false, "Verbose output (debug logging)")
}

func runProbe(cmd *cobra.Command, args []string) {
	setupLogging(os.Stderr, probeVerbose)

	info, err := decoders.Probe(decoders.NewEngine(), args[0])
	if err != nil {
		slog.Error("Failed to probe file", "error", err)
		os.Exit(1)
	}
	printMediaInfo(os.Stdout, info)
}

func printMediaInfo(w io.Writer, info media.Info) {
	fmt.Fprintln(w, "Media Info:")
	fmt.Fprintf(w, "  Type: %s\n", info.Type)
	fmt.Fprintf(w, "  Duration: %s\n", info.Duration)
	if info.FPS > 0 {
		fmt.Fprintf(w, "  FPS: %.2f\n", info.FPS)
	}
	if info.HasVideo {
		fmt.Fprintf(w, "  Video: %dx%d\n", info.Width, info.Height)
		if info.VideoCodec != "" {
			fmt.Fprintf(w, "  Video Codec: %s\n", info.VideoCodec)
		}
	}
	if info.HasAudio {
		fmt.Fprintf(w, "  Audio: %d channels, %d Hz\n", info.Channels, info.SampleRate)
		if info.AudioCodec != "" {
			fmt.Fprintf(w, "  Audio Codec: %s\n", info.AudioCodec)
		}
	}
}
