package audiobridge

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// CommandFunc builds the external decode command for path. The command must
// write interleaved float32 little-endian PCM at format to stdout.
type CommandFunc func(path string, format Format) *exec.Cmd

// FFmpegCommand runs ffmpeg with video disabled and non-error logging
// suppressed.
func FFmpegCommand(path string, format Format) *exec.Cmd {
	return exec.Command("ffmpeg",
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-vn",
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"pipe:1",
	)
}

// decodeProcess owns a running decode command. Close kills and reaps it
// exactly once, on every exit path.
type decodeProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer

	once sync.Once
}

func startProcess(cmd *exec.Cmd) (*decodeProcess, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return &decodeProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// Close kills the process if it is still running and waits for it. A
// process that already exited on its own is only reaped.
func (p *decodeProcess) Close() {
	p.once.Do(func() {
		// Kill of an exited process fails harmlessly; Wait still reaps it.
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	})
}

// setReadDeadline applies t to stdout when it supports deadlines, as the
// pipe from exec does. Other readers are left alone.
func (p *decodeProcess) setReadDeadline(t time.Time) {
	if d, ok := p.stdout.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = d.SetReadDeadline(t)
	}
}

// Stderr returns the last few kilobytes the process wrote to stderr.
func (p *decodeProcess) Stderr() string {
	return p.stderr.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
