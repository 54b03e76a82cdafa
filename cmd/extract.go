package cmd

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/drgolem/asciiterm/internal/audiobridge"
	"github.com/drgolem/asciiterm/pkg/decoders"

	"github.com/spf13/cobra"
	wav "github.com/youpy/go-wav"
	soxr "github.com/zaf/resample"
)

const wavBitsPerSample = 16

var (
	extractSampleRate int
	extractOut        string
	extractMono       bool
	extractVerbose    bool
)

var extractCmd = &cobra.Command{
	Use:   "extract-audio <media_file>",
	Short: "Decode a file's audio track into a 16-bit WAV file",
	Long: `Run the audio decode bridge without an output device and write everything it
delivers to a WAV file. Useful to check what playback would hear.

Examples:
  # Extract the soundtrack at its native rate
  asciiterm extract-audio movie.mp4 --out movie.wav

  # Extract 16kHz mono
  asciiterm extract-audio movie.mp4 --samplerate 16000 --mono --out speech.wav

Output Format:
  - WAV (16-bit PCM)

Sample Rate Options:
  Common rates: 8000, 16000, 22050, 44100, 48000, 96000, 192000 Hz`,
	Args: cobra.ExactArgs(1),
	Run:  runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().IntVar(&extractSampleRate, "samplerate", 0, "Target sample rate in Hz (0 = source rate)")
	extractCmd.Flags().StringVar(&extractOut, "out", "out_audio.wav", "Output WAV file path")
	extractCmd.Flags().BoolVar(&extractMono, "mono", false, "Convert output to mono signal (average channels)")
	extractCmd.Flags().BoolVarP(&extractVerbose, "verbose", "v", false, "Verbose output (debug logging)")
}

func runExtract(cmd *cobra.Command, args []string) {
	setupLogging(os.Stderr, extractVerbose)
	inFileName := args[0]

	if _, err := os.Stat(inFileName); os.IsNotExist(err) {
		slog.Error("Input file not found", "path", inFileName)
		os.Exit(1)
	}
	if extractSampleRate < 0 || extractSampleRate > 384000 {
		slog.Error("Invalid sample rate", "rate", extractSampleRate, "valid_range", "1-384000")
		os.Exit(1)
	}

	start := time.Now()
	bridge, err := audiobridge.Open(decoders.NewEngine(), inFileName, audiobridge.DefaultConfig())
	if err != nil {
		slog.Error("Failed to start audio decoding", "error", err)
		os.Exit(1)
	}
	defer bridge.Stop()

	format := bridge.Format()
	outSampleRate := extractSampleRate
	if outSampleRate == 0 {
		outSampleRate = format.SampleRate
	}

	slog.Info("Audio extraction starting",
		"input_file", inFileName,
		"input_sample_rate", format.SampleRate,
		"input_channels", format.Channels,
		"output_sample_rate", outSampleRate,
		"output_mono", extractMono,
		"output_file", extractOut)

	audioData := pullAll(bridge.Source())
	if err := bridge.Stop(); err != nil {
		slog.Warn("Failed to stop audio decoding", "error", err)
	}

	channels := format.Channels
	totalSamples := len(audioData) / (channels * 2)
	slog.Info("Decoding complete",
		"input_samples", totalSamples,
		"input_bytes", len(audioData),
		"underruns", bridge.Source().Underruns(),
		"duration", time.Since(start).Round(time.Millisecond))

	resampledData, err := resampleAudio(audioData, format.SampleRate, outSampleRate, channels)
	if err != nil {
		slog.Error("Failed to resample audio", "error", err)
		os.Exit(1)
	}

	outChannels := channels
	outputData := resampledData
	if extractMono && channels > 1 {
		outputData = convertToMono16Bit(resampledData, channels)
		outChannels = 1
	}
	outSamples := len(outputData) / (outChannels * 2)

	slog.Info("Writing output WAV file", "path", extractOut)
	if err := writeWAVFile(extractOut, outputData, uint32(outSamples), uint16(outChannels), uint32(outSampleRate), wavBitsPerSample); err != nil {
		slog.Error("Failed to write WAV file", "error", err)
		os.Exit(1)
	}

	slog.Info("Extraction complete",
		"input_samples", totalSamples,
		"output_samples", outSamples,
		"sample_rate_ratio", fmt.Sprintf("%.3f", float64(outSampleRate)/float64(format.SampleRate)))
}

// pullAll drains src into 16-bit little-endian PCM. Silence padded in for
// underruns is not part of the decoded audio and is left out.
func pullAll(src *audiobridge.Source) []byte {
	const bufferSamples = 4096
	buf := make([]float32, bufferSamples*src.Channels())
	pcm := make([]byte, len(buf)*2)
	out := make([]byte, 0, len(pcm)*16)

	for {
		n, ok := src.Fill(buf)
		if n > 0 {
			audiobridge.PutInt16LE(pcm, buf[:n], 1)
			out = append(out, pcm[:n*2]...)
		}
		if !ok {
			return out
		}
	}
}

// resampleAudio resamples 16-bit audio data using SoXR (high-quality resampler)
func resampleAudio(audioData []byte, fromRate, toRate, channels int) ([]byte, error) {
	if fromRate == toRate {
		return audioData, nil
	}
	slog.Info("Resampling audio", "from_rate", fromRate, "to_rate", toRate)

	var bufResampled bytes.Buffer
	bufWriter := bufio.NewWriter(&bufResampled)

	resampler, err := soxr.New(
		bufWriter,
		float64(fromRate),
		float64(toRate),
		channels,
		soxr.I16,
		soxr.HighQ,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	if _, err := resampler.Write(audioData); err != nil {
		resampler.Close()
		return nil, fmt.Errorf("failed to resample: %w", err)
	}
	if err := resampler.Close(); err != nil {
		return nil, fmt.Errorf("failed to close resampler: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush buffer: %w", err)
	}

	return bufResampled.Bytes(), nil
}

// convertToMono16Bit averages the channels of interleaved 16-bit audio
func convertToMono16Bit(data []byte, channels int) []byte {
	if channels == 1 {
		return data
	}

	frameSize := channels * 2
	frames := len(data) / frameSize
	mono := make([]byte, frames*2)

	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*frameSize + ch*2
			sum += int32(int16(binary.LittleEndian.Uint16(data[off:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int32(channels))))
	}
	return mono
}

// writeWAVFile writes audio data to a WAV file
func writeWAVFile(fileName string, audioData []byte, numSamples uint32, numChannels uint16, sampleRate uint32, bitsPerSample uint16) error {
	fOut, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer fOut.Close()

	wavWriter := wav.NewWriter(fOut, numSamples, numChannels, sampleRate, bitsPerSample)

	if _, err := wavWriter.Write(audioData); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}

	return nil
}
