package audiobridge

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/drgolem/asciiterm/internal/enginetest"
	"github.com/drgolem/asciiterm/pkg/media"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

// writeFixture writes seconds of interleaved float32 PCM and returns its path
// and the samples written.
func writeFixture(t *testing.T, seconds float64, format Format) (string, []float32) {
	t.Helper()
	n := int(seconds*float64(format.SampleRate)) * format.Channels
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) * 0.01))
	}
	path := filepath.Join(t.TempDir(), "audio.f32le")
	if err := os.WriteFile(path, EncodeFloat32LE(samples), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path, samples
}

// catCommand replays a fixture file in place of ffmpeg.
func catCommand(fixture string) CommandFunc {
	return func(string, Format) *exec.Cmd {
		return exec.Command("cat", fixture)
	}
}

func testConfig(cmd CommandFunc) Config {
	cfg := DefaultConfig()
	cfg.Command = cmd
	return cfg
}

// pullSink drains the source on its own goroutine, standing in for the
// audio device thread.
type pullSink struct {
	src      *Source
	gain     *Gain
	startErr error

	pulled   atomic.Uint64
	paused   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func newPullSink(startErr error) (*pullSink, SinkFactory) {
	s := &pullSink{startErr: startErr, stop: make(chan struct{}), done: make(chan struct{})}
	return s, func(src *Source, gain *Gain) (Sink, error) {
		s.src, s.gain = src, gain
		return s, nil
	}
}

func (s *pullSink) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]float32, 1024)
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			if s.paused.Load() {
				time.Sleep(time.Millisecond)
				continue
			}
			n, ok := s.src.Fill(buf)
			s.pulled.Add(uint64(n))
			if !ok {
				s.signalDone()
				return
			}
		}
	}()
	return nil
}

func (s *pullSink) Pause()  { s.paused.Store(true) }
func (s *pullSink) Resume() { s.paused.Store(false) }

func (s *pullSink) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.signalDone()
	return nil
}

func (s *pullSink) Done() <-chan struct{} { return s.done }

func (s *pullSink) signalDone() { s.doneOnce.Do(func() { close(s.done) }) }

func TestDecodeFloat32LEIsLossless(t *testing.T) {
	in := []float32{0, -0.5, 0.25, 1, -1, math.SmallestNonzeroFloat32, math.MaxFloat32, -math.MaxFloat32}
	out := DecodeFloat32LE(EncodeFloat32LE(in))
	for i := range in {
		if math.Float32bits(out[i]) != math.Float32bits(in[i]) {
			t.Errorf("sample %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeFloat32LENonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	raw := EncodeFloat32LE([]float32{nan, 0.5, inf, -inf})
	raw = append(raw, 0x01, 0x02, 0x03) // partial sample

	out := DecodeFloat32LE(raw)
	want := []float32{0, 0.5, 0, 0}
	if len(out) != len(want) {
		t.Fatalf("got %d samples, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] || math.Signbit(float64(out[i])) {
			t.Errorf("sample %d: got %v, want %v", i, out[i], want[i])
		}
	}
}

func TestPutInt16LEAppliesGainAndClips(t *testing.T) {
	out := make([]byte, 6)
	PutInt16LE(out, []float32{0.5, 2, -2}, 0.5)

	got := []int16{
		int16(uint16(out[0]) | uint16(out[1])<<8),
		int16(uint16(out[2]) | uint16(out[3])<<8),
		int16(uint16(out[4]) | uint16(out[5])<<8),
	}
	want := []int16{8191, math.MaxInt16, -math.MaxInt16}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSourceUnderrunReturnsSilenceWithinTimeout(t *testing.T) {
	var finished atomic.Bool
	chunks := make(chan media.SampleChunk, 4)
	src := newSource(chunks, &finished, Format{SampleRate: 44100, Channels: 2}, 20*time.Millisecond)

	start := time.Now()
	v, ok := src.Next()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Next blocked for %v", elapsed)
	}
	if !ok || v != 0 {
		t.Fatalf("Next on underrun: got (%v, %v), want (0, true)", v, ok)
	}

	buf := []float32{1, 1, 1}
	n, ok := src.Fill(buf)
	if n != 0 || !ok || buf[0] != 0 || buf[2] != 0 {
		t.Fatalf("Fill on underrun: n=%d ok=%v buf=%v", n, ok, buf)
	}
	if src.Underruns() != 2 {
		t.Errorf("Underruns = %d, want 2", src.Underruns())
	}
}

func TestSourceDrainsLastChunkThenEnds(t *testing.T) {
	var finished atomic.Bool
	chunks := make(chan media.SampleChunk, 4)
	src := newSource(chunks, &finished, Format{SampleRate: 8000, Channels: 1}, 10*time.Millisecond)

	chunks <- media.SampleChunk{Samples: []float32{0.1, 0.2}}
	finished.Store(true)

	buf := make([]float32, 4)
	n, ok := src.Fill(buf)
	if n != 2 || ok {
		t.Fatalf("Fill: n=%d ok=%v, want n=2 ok=false", n, ok)
	}
	if buf[0] != 0.1 || buf[1] != 0.2 || buf[2] != 0 {
		t.Errorf("buf = %v", buf)
	}
	if _, ok := src.Next(); ok {
		t.Error("Next after end of stream returned ok")
	}
	if !src.Ended() {
		t.Error("source not marked ended")
	}
	if d, known := src.Duration(); known || d != 0 {
		t.Errorf("Duration = %v, %v", d, known)
	}
}

func TestBridgeDeliversAllAudio(t *testing.T) {
	requireTool(t, "cat")
	format := Format{SampleRate: 44100, Channels: 2}
	fixture, samples := writeFixture(t, 1, format)

	b, err := New("clip.mp4", format, testConfig(catCommand(fixture)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Stop()

	var got []float32
	buf := make([]float32, 1000)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		n, ok := b.Source().Fill(buf)
		got = append(got, buf[:n]...)
		if !ok {
			break
		}
	}

	if len(got) != len(samples) {
		t.Fatalf("pulled %d samples, want %d", len(got), len(samples))
	}
	for _, i := range []int{0, 1, 12345, len(samples) - 1} {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], samples[i])
		}
	}

	status := b.GetPlaybackStatus()
	if cov := status.AudioCoverage(time.Second); cov < 0.95 {
		t.Errorf("audio coverage %.3f, want >= 0.95", cov)
	}
	if b.IsPlaying() {
		t.Error("IsPlaying after end of stream")
	}
	if !b.Finished() {
		t.Error("decode goroutine not finished")
	}
}

func TestBridgeWithSinkPlaysToEnd(t *testing.T) {
	requireTool(t, "cat")
	format := Format{SampleRate: 8000, Channels: 1}
	fixture, samples := writeFixture(t, 0.5, format)

	sink, factory := newPullSink(nil)
	cfg := testConfig(catCommand(fixture))
	cfg.Sink = factory

	b, err := New("clip.mp4", format, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Stop()

	waited := make(chan struct{})
	go func() {
		b.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}

	if sink.pulled.Load() != uint64(len(samples)) {
		t.Errorf("sink pulled %d samples, want %d", sink.pulled.Load(), len(samples))
	}
	if b.IsPlaying() {
		t.Error("IsPlaying after sink finished")
	}
}

func TestBackpressureBoundsQueue(t *testing.T) {
	requireTool(t, "cat")
	format := Format{SampleRate: 44100, Channels: 2}
	fixture, _ := writeFixture(t, 5, format)

	cfg := testConfig(catCommand(fixture))
	b, err := New("clip.mp4", format, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Stop()

	// Nobody pulls: the decode goroutine must park instead of reading on.
	time.Sleep(200 * time.Millisecond)
	if n := len(b.chunks); n > cfg.MaxPendingChunks+2 {
		t.Errorf("queue holds %d chunks, limit %d", n, cfg.MaxPendingChunks)
	}
	if b.Finished() {
		t.Error("decoder finished without a consumer")
	}
}

func TestStopMidStream(t *testing.T) {
	requireTool(t, "cat")
	format := Format{SampleRate: 44100, Channels: 2}
	fixture, _ := writeFixture(t, 10, format)

	b, err := New("clip.mp4", format, testConfig(catCommand(fixture)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	buf := make([]float32, 4096)
	for i := 0; i < 20; i++ {
		b.Source().Fill(buf)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within 2s")
	}

	if len(b.chunks) != 0 {
		t.Errorf("channel holds %d chunks after Stop", len(b.chunks))
	}
	if !b.Finished() || b.IsPlaying() {
		t.Errorf("after Stop: finished=%v playing=%v", b.Finished(), b.IsPlaying())
	}
	if err := b.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStopKillsDecodeProcess(t *testing.T) {
	requireTool(t, "sleep")
	var cmd *exec.Cmd
	cfg := testConfig(func(string, Format) *exec.Cmd {
		cmd = exec.Command("sleep", "30")
		return cmd
	})

	b, err := New("clip.mp4", Format{SampleRate: 44100, Channels: 2}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	start := time.Now()
	b.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %v", elapsed)
	}
	if cmd.ProcessState == nil {
		t.Fatal("decode process was not reaped")
	}
}

func TestSpawnFailure(t *testing.T) {
	cfg := testConfig(func(string, Format) *exec.Cmd {
		return exec.Command(filepath.Join(t.TempDir(), "no-such-decoder"))
	})
	if _, err := New("clip.mp4", Format{SampleRate: 44100, Channels: 2}, cfg); err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestSinkFailureKillsProcess(t *testing.T) {
	requireTool(t, "sleep")
	var cmd *exec.Cmd
	cfg := testConfig(func(string, Format) *exec.Cmd {
		cmd = exec.Command("sleep", "30")
		return cmd
	})
	sinkErr := errors.New("no audio device")
	_, cfg.Sink = newPullSink(sinkErr)

	_, err := New("clip.mp4", Format{SampleRate: 44100, Channels: 2}, cfg)
	if !errors.Is(err, sinkErr) {
		t.Fatalf("got %v, want wrapped %v", err, sinkErr)
	}
	if cmd.ProcessState == nil {
		t.Error("decode process left running after sink failure")
	}
}

func TestVolumeMuteRoundTrip(t *testing.T) {
	requireTool(t, "sleep")
	cfg := testConfig(func(string, Format) *exec.Cmd { return exec.Command("sleep", "30") })
	b, err := New("clip.mp4", Format{SampleRate: 44100, Channels: 2}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Stop()

	b.SetVolume(0.35)
	b.Mute()
	if b.Volume() != 0 || !b.IsMuted() || b.gain.Load() != 0 {
		t.Fatalf("muted: volume=%v gain=%v", b.Volume(), b.gain.Load())
	}
	b.Unmute()
	if b.Volume() != 0.35 || b.gain.Load() != 0.35 {
		t.Errorf("after unmute: volume=%v gain=%v, want 0.35", b.Volume(), b.gain.Load())
	}

	b.ToggleMute()
	b.SetVolume(0.8) // remembered while muted
	b.ToggleMute()
	if b.Volume() != 0.8 {
		t.Errorf("volume set while muted: got %v, want 0.8", b.Volume())
	}

	b.SetVolume(3)
	if b.Volume() != 1 {
		t.Errorf("SetVolume(3) = %v, want 1", b.Volume())
	}
	b.SetVolume(-1)
	if b.Volume() != 0 {
		t.Errorf("SetVolume(-1) = %v, want 0", b.Volume())
	}
}

func TestChannelsAreCapped(t *testing.T) {
	requireTool(t, "sleep")
	var got Format
	cfg := testConfig(func(_ string, f Format) *exec.Cmd {
		got = f
		return exec.Command("sleep", "30")
	})
	b, err := New("clip.mkv", Format{SampleRate: 48000, Channels: 6}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Stop()

	if got.Channels != 2 || b.Source().Channels() != 2 {
		t.Errorf("channels: command=%d source=%d, want 2", got.Channels, b.Source().Channels())
	}
}

func TestOpenWithoutAudio(t *testing.T) {
	engine := enginetest.New(enginetest.Config{Frames: 10})
	if _, err := Open(engine, "silent.mp4", DefaultConfig()); !errors.Is(err, media.ErrNoAudioStream) {
		t.Fatalf("got %v, want ErrNoAudioStream", err)
	}
}

func TestFFmpegCommandArgs(t *testing.T) {
	cmd := FFmpegCommand("in.mkv", Format{SampleRate: 44100, Channels: 2})
	want := []string{"ffmpeg", "-nostdin", "-hide_banner", "-loglevel", "error", "-i", "in.mkv",
		"-vn", "-f", "f32le", "-acodec", "pcm_f32le", "-ar", "44100", "-ac", "2", "pipe:1"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("args = %v", cmd.Args)
	}
	for i := range want {
		if cmd.Args[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, cmd.Args[i], want[i])
		}
	}
}

// readStep is one scripted result of a Read call.
type readStep struct {
	data []byte
	err  error
}

// scriptedReader replays steps, then returns (0, nil) forever when hang is
// set or io.EOF otherwise.
type scriptedReader struct {
	steps []readStep
	hang  bool
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.steps) == 0 {
		if r.hang {
			return 0, nil
		}
		return 0, io.EOF
	}
	step := &r.steps[0]
	n := copy(p, step.data)
	step.data = step.data[n:]
	if len(step.data) > 0 {
		return n, nil
	}
	err := step.err
	r.steps = r.steps[1:]
	return n, err
}

func (r *scriptedReader) Close() error { return nil }

// startScripted runs a bridge whose process output is replaced by r. The
// process itself is a sleep that the bridge kills on Stop.
func startScripted(t *testing.T, r *scriptedReader, format Format, cfg Config) *Bridge {
	t.Helper()
	requireTool(t, "sleep")
	cfg = cfg.withDefaults()
	proc, err := startProcess(exec.Command("sleep", "30"))
	if err != nil {
		t.Fatalf("startProcess: %v", err)
	}
	proc.stdout = r
	b, err := start("clip.mp4", format, cfg, proc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return b
}

func TestEmptyReadsEndStream(t *testing.T) {
	format := Format{SampleRate: 8000, Channels: 2}
	samples := make([]float32, 1000)
	for i := range samples {
		samples[i] = float32(i) / 1000
	}
	r := &scriptedReader{steps: []readStep{{data: EncodeFloat32LE(samples)}}, hang: true}

	cfg := DefaultConfig()
	cfg.MaxEmptyReads = 5
	cfg.RetryDelay = time.Millisecond
	b := startScripted(t, r, format, cfg)
	defer b.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !b.Finished() {
		if time.Now().After(deadline) {
			t.Fatal("stream did not end after repeated empty reads")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The bytes read before the stall are still delivered.
	buf := make([]float32, 4096)
	var got []float32
	for {
		n, ok := b.Source().Fill(buf)
		got = append(got, buf[:n]...)
		if !ok {
			break
		}
	}
	if len(got) != len(samples) {
		t.Fatalf("got %d samples, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}
}

func TestTransientReadErrorsAreRetried(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	format := Format{SampleRate: 8000, Channels: 1}
	samples := make([]float32, 3000)
	for i := range samples {
		samples[i] = float32(i%100) / 100
	}
	raw := EncodeFloat32LE(samples)
	r := &scriptedReader{steps: []readStep{
		{data: raw[:4000]},
		{err: syscall.EAGAIN},
		{err: syscall.EINTR},
		{data: raw[4000:8000], err: syscall.EAGAIN},
		{err: os.ErrDeadlineExceeded},
		{data: raw[8000:]},
	}}

	cfg := DefaultConfig()
	cfg.MaxEmptyReads = 10
	cfg.RetryDelay = time.Millisecond
	b := startScripted(t, r, format, cfg)

	buf := make([]float32, 1024)
	var got []float32
	for {
		n, ok := b.Source().Fill(buf)
		got = append(got, buf[:n]...)
		if !ok {
			break
		}
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(got) != len(samples) {
		t.Fatalf("got %d samples, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}
	if strings.Contains(logs.String(), "Decoder read failed") {
		t.Errorf("transient errors were logged as failures:\n%s", logs.String())
	}
}

func TestSilentProcessEndsAfterReadTimeouts(t *testing.T) {
	requireTool(t, "sleep")
	cfg := testConfig(func(string, Format) *exec.Cmd { return exec.Command("sleep", "30") })
	cfg.ReadTimeout = 10 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	cfg.MaxEmptyReads = 5

	b, err := New("clip.mp4", Format{SampleRate: 44100, Channels: 2}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !b.Finished() {
		if time.Now().After(deadline) {
			t.Fatal("stalled decoder was not detected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	buf := make([]float32, 64)
	if n, ok := b.Source().Fill(buf); ok || n != 0 {
		t.Errorf("Fill after stall = (%d, %v), want (0, false)", n, ok)
	}
}

// spawnAndDrop starts a bridge over a long running process and returns its
// pid without keeping a reference to the bridge.
func spawnAndDrop(t *testing.T) int {
	t.Helper()
	var cmd *exec.Cmd
	cfg := testConfig(func(string, Format) *exec.Cmd {
		cmd = exec.Command("sleep", "30")
		return cmd
	})
	if _, err := New("clip.mp4", Format{SampleRate: 44100, Channels: 2}, cfg); err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return cmd.Process.Pid
}

func TestDroppedBridgeKillsProcess(t *testing.T) {
	requireTool(t, "sleep")
	pid := spawnAndDrop(t)

	deadline := time.Now().Add(5 * time.Second)
	for {
		runtime.GC()
		// ESRCH once the process was killed and reaped.
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("process %d still exists after the bridge was dropped", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
