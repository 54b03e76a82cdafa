package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drgolem/asciiterm/internal/player"
	"github.com/drgolem/asciiterm/internal/render"
)

func TestKeymap(t *testing.T) {
	tests := []struct {
		name string
		keys string
		want []player.Command
	}{
		{"space toggles", " ", []player.Command{{Kind: player.CmdTogglePlayPause}}},
		{"q stops", "q", []player.Command{{Kind: player.CmdStop}}},
		{"esc stops", "\x1b", []player.Command{{Kind: player.CmdStop}}},
		{"ctrl-c stops", "\x03", []player.Command{{Kind: player.CmdStop}}},
		{"m mutes", "m", []player.Command{{Kind: player.CmdToggleMute}}},
		{"digit selects map", "7", []player.Command{player.CharMapCommand(7)}},
		{"g grayscale", "g", []player.Command{{Kind: player.CmdToggleGrayscale}}},
		{"volume down", "-", []player.Command{player.VolumeCommand(0.9)}},
		{"volume up is clamped", "+", []player.Command{player.VolumeCommand(1)}},
		{"arrow key ignored", "\x1b[A", nil},
		{"unknown key ignored", "x", nil},
		{"several keys", "0 q", []player.Command{
			player.CharMapCommand(0),
			{Kind: player.CmdTogglePlayPause},
			{Kind: player.CmdStop},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewKeymap(1).Commands([]byte(tt.keys))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("command %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestKeymapVolumeSteps(t *testing.T) {
	k := NewKeymap(0.5)
	k.Commands([]byte("-----"))
	if k.Volume() != 0 {
		t.Errorf("volume after five steps down = %v, want 0", k.Volume())
	}
	k.Commands([]byte("-"))
	if k.Volume() != 0 {
		t.Errorf("volume went below 0: %v", k.Volume())
	}
	cmds := k.Commands([]byte("+++"))
	if last := cmds[len(cmds)-1]; last.Volume != 0.3 {
		t.Errorf("volume after three steps up = %v, want 0.3", last.Volume)
	}
}

type recorder struct {
	mu   sync.Mutex
	cmds []player.Command
}

func (r *recorder) send(cmd player.Command) bool {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
	return true
}

func (r *recorder) all() []player.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]player.Command(nil), r.cmds...)
}

func TestReadInputStopsOnQuit(t *testing.T) {
	rec := &recorder{}
	// Keys after q are not sent.
	err := ReadInput(context.Background(), strings.NewReader("mq g"), NewKeymap(1), rec.send)
	if err != nil {
		t.Fatalf("ReadInput failed: %v", err)
	}
	got := rec.all()
	if len(got) != 2 || got[0].Kind != player.CmdToggleMute || got[1].Kind != player.CmdStop {
		t.Errorf("got %v", got)
	}
}

func TestReadInputEndOfInput(t *testing.T) {
	rec := &recorder{}
	if err := ReadInput(context.Background(), strings.NewReader("g"), NewKeymap(1), rec.send); err != nil {
		t.Fatalf("ReadInput failed: %v", err)
	}
	if got := rec.all(); len(got) != 1 || got[0].Kind != player.CmdToggleGrayscale {
		t.Errorf("got %v", got)
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestReadInputError(t *testing.T) {
	readErr := errors.New("input gone")
	err := ReadInput(context.Background(), failingReader{readErr}, NewKeymap(1), (&recorder{}).send)
	if !errors.Is(err, readErr) {
		t.Errorf("got %v, want %v", err, readErr)
	}
}

func TestReadInputCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ReadInput(ctx, pr, NewKeymap(1), (&recorder{}).send) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ReadInput returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadInput ignored cancellation")
	}
}

func TestWatchSizeSendsResizeOnChange(t *testing.T) {
	var mu sync.Mutex
	sizes := [][2]int{{80, 24}, {80, 24}, {120, 40}, {120, 40}}
	size := func() (int, int, error) {
		mu.Lock()
		defer mu.Unlock()
		s := sizes[0]
		if len(sizes) > 1 {
			sizes = sizes[1:]
		}
		return s[0], s[1], nil
	}

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchSize(ctx, time.Millisecond, size, rec.send) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("WatchSize failed: %v", err)
	}

	got := rec.all()
	if len(got) != 1 || got[0] != player.ResizeCommand(120, 40) {
		t.Errorf("got %v, want one resize to 120x40", got)
	}
}

func TestWatchSizeInitialError(t *testing.T) {
	sizeErr := errors.New("not a terminal")
	size := func() (int, int, error) { return 0, 0, sizeErr }
	if err := WatchSize(context.Background(), time.Millisecond, size, (&recorder{}).send); !errors.Is(err, sizeErr) {
		t.Errorf("got %v, want %v", err, sizeErr)
	}
}

func TestWriteFrame(t *testing.T) {
	frame := render.Frame{
		Text:   []rune("ab" + "cd"),
		Colors: []byte{255, 0, 0, 255, 0, 0, 0, 255, 0, 1, 2, 3},
		Width:  2,
		Height: 2,
	}

	var buf bytes.Buffer
	writeFrame(&buf, frame, 1)

	want := cursorHome +
		"\x1b[38;2;255;0;0mab" +
		"\x1b[2;1H\x1b[38;2;0;255;0mc\x1b[38;2;1;2;3md" +
		resetColor
	if got := buf.String(); got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestWriteFrameNewlinesAndRepeat(t *testing.T) {
	frame := render.Frame{
		Text:   []rune("a\r\nb"),
		Colors: []byte{9, 9, 9, 0, 0, 0, 0, 0, 0, 9, 9, 9},
		Width:  1,
		Height: 2,
	}

	var buf bytes.Buffer
	writeFrame(&buf, frame, 2)

	want := cursorHome + "\x1b[38;2;9;9;9maa\r\nbb" + resetColor
	if got := buf.String(); got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestShowWritesToOutput(t *testing.T) {
	var out bytes.Buffer
	term := &Terminal{out: &out, repeat: 1}
	frame := render.Frame{Text: []rune("x"), Colors: []byte{1, 1, 1}, Width: 1, Height: 1}

	if err := term.Show(frame); err != nil {
		t.Fatalf("Show failed: %v", err)
	}
	if !strings.Contains(out.String(), "x") {
		t.Errorf("output %q lacks the frame", out.String())
	}
	if err := term.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := term.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if !strings.HasSuffix(out.String(), leaveAltScreen) {
		t.Errorf("Close did not leave the alternate screen: %q", out.String())
	}
}
