// Package terminal owns the controlling terminal during playback: raw mode,
// the alternate screen, drawing rendered frames and turning key presses and
// window resizes into player commands.
package terminal

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/drgolem/asciiterm/internal/render"
)

const (
	enterAltScreen = "\x1b[?1049h"
	leaveAltScreen = "\x1b[?1049l"
	hideCursor     = "\x1b[?25l"
	showCursor     = "\x1b[?25h"
	clearScreen    = "\x1b[2J"
	cursorHome     = "\x1b[H"
	resetColor     = "\x1b[0m"
)

// Terminal draws frames on out. When out is a TTY it is switched to raw
// mode and the alternate screen until Close.
type Terminal struct {
	in       *os.File
	out      io.Writer
	fd       int
	oldState *term.State
	repeat   int // columns per rendered cell

	mu  sync.Mutex
	buf bytes.Buffer

	closeOnce sync.Once
	closeErr  error
}

// Open prepares in/out for drawing. repeat is the width modifier: every
// rendered cell is drawn that many columns wide.
func Open(in, out *os.File, repeat int) (*Terminal, error) {
	t := &Terminal{in: in, out: out, fd: int(in.Fd()), repeat: max(repeat, 1)}

	if term.IsTerminal(t.fd) {
		state, err := term.MakeRaw(t.fd)
		if err != nil {
			return nil, fmt.Errorf("failed to enter raw mode: %w", err)
		}
		t.oldState = state
	}

	if _, err := io.WriteString(out, enterAltScreen+hideCursor+clearScreen+cursorHome); err != nil {
		t.restore()
		return nil, fmt.Errorf("failed to prepare screen: %w", err)
	}
	return t, nil
}

// Size returns the size of the output terminal in columns and rows.
func (t *Terminal) Size() (cols, rows int, err error) {
	if f, ok := t.out.(*os.File); ok {
		return term.GetSize(int(f.Fd()))
	}
	return term.GetSize(t.fd)
}

// Input returns the reader key presses arrive on.
func (t *Terminal) Input() io.Reader { return t.in }

// Show draws frame over the previous one. It implements player.Display.
func (t *Terminal) Show(frame render.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Reset()
	writeFrame(&t.buf, frame, t.repeat)
	_, err := t.out.Write(t.buf.Bytes())
	return err
}

// Close restores the screen and the terminal mode. It is safe to call more
// than once.
func (t *Terminal) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		_, err := io.WriteString(t.out, resetColor+clearScreen+cursorHome+showCursor+leaveAltScreen)
		t.mu.Unlock()
		if err != nil {
			slog.Warn("Failed to reset screen", "error", err)
		}
		t.closeErr = t.restore()
	})
	return t.closeErr
}

func (t *Terminal) restore() error {
	if t.oldState == nil {
		return nil
	}
	if err := term.Restore(t.fd, t.oldState); err != nil {
		return fmt.Errorf("failed to restore terminal: %w", err)
	}
	t.oldState = nil
	return nil
}

// writeFrame encodes frame as truecolor ANSI text starting at the top left
// corner. A color escape is only emitted when the color changes. Rows are
// separated by the frame's own "\r\n" when it has them, otherwise by cursor
// positioning.
func writeFrame(buf *bytes.Buffer, frame render.Frame, repeat int) {
	buf.WriteString(cursorHome)

	var lastR, lastG, lastB byte
	colored := false
	row, col := 1, 0
	for i := 0; i < len(frame.Text); i++ {
		ch := frame.Text[i]
		if ch == '\r' || ch == '\n' {
			continue
		}
		if col == frame.Width {
			row++
			col = 0
			if i > 0 && frame.Text[i-1] == '\n' {
				buf.WriteString("\r\n")
			} else {
				fmt.Fprintf(buf, "\x1b[%d;1H", row)
			}
		}

		if c := i * 3; c+2 < len(frame.Colors) {
			r, g, b := frame.Colors[c], frame.Colors[c+1], frame.Colors[c+2]
			if !colored || r != lastR || g != lastG || b != lastB {
				fmt.Fprintf(buf, "\x1b[38;2;%d;%d;%dm", r, g, b)
				lastR, lastG, lastB, colored = r, g, b, true
			}
		}
		for range repeat {
			buf.WriteRune(ch)
		}
		col++
	}
	buf.WriteString(resetColor)
}
