package cmd

import (
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/drgolem/asciiterm/internal/audiobridge"

	wav "github.com/youpy/go-wav"
)

func TestPullAllKeepsOnlyDecodedAudio(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	samples := make([]float32, 10000)
	for i := range samples {
		samples[i] = float32(i%200)/100 - 1
	}
	fixture := filepath.Join(t.TempDir(), "audio.f32le")
	if err := os.WriteFile(fixture, audiobridge.EncodeFloat32LE(samples), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := audiobridge.DefaultConfig()
	cfg.Command = func(string, audiobridge.Format) *exec.Cmd { return exec.Command("cat", fixture) }
	b, err := audiobridge.New("audio.f32le", audiobridge.Format{SampleRate: 8000, Channels: 2}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Stop()

	pcm := pullAll(b.Source())
	if len(pcm) != len(samples)*2 {
		t.Fatalf("got %d bytes, want %d", len(pcm), len(samples)*2)
	}
	want := make([]byte, len(samples)*2)
	audiobridge.PutInt16LE(want, samples, 1)
	for i := range want {
		if pcm[i] != want[i] {
			t.Fatalf("byte %d differs: %d != %d", i, pcm[i], want[i])
		}
	}
}

func TestConvertToMono16Bit(t *testing.T) {
	stereo := make([]byte, 8)
	binary.LittleEndian.PutUint16(stereo[0:], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(stereo[2:], uint16(int16(3000)))
	binary.LittleEndian.PutUint16(stereo[4:], uint16(int16(-2000)))
	binary.LittleEndian.PutUint16(stereo[6:], uint16(int16(-4000)))

	mono := convertToMono16Bit(stereo, 2)
	if len(mono) != 4 {
		t.Fatalf("got %d bytes, want 4", len(mono))
	}
	if v := int16(binary.LittleEndian.Uint16(mono[0:])); v != 2000 {
		t.Errorf("frame 0 = %d, want 2000", v)
	}
	if v := int16(binary.LittleEndian.Uint16(mono[2:])); v != -3000 {
		t.Errorf("frame 1 = %d, want -3000", v)
	}
}

func TestWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	data := make([]byte, 400)
	if err := writeWAVFile(path, data, 100, 2, 22050, wavBitsPerSample); err != nil {
		t.Fatalf("writeWAVFile failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	format, err := wav.NewReader(f).Format()
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if format.NumChannels != 2 || format.SampleRate != 22050 || format.BitsPerSample != 16 {
		t.Errorf("unexpected format %+v", format)
	}
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	out, err := resampleAudio(data, 44100, 44100, 2)
	if err != nil {
		t.Fatal(err)
	}
	if &out[0] != &data[0] {
		t.Error("same-rate resample copied the data")
	}
}

func TestFormatClock(t *testing.T) {
	d := time.Hour + 2*time.Minute + 3*time.Second + 45*time.Millisecond
	if got := formatClock(d); got != "01:02:03.045" {
		t.Errorf("formatClock = %q", got)
	}
}
