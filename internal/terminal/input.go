package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/drgolem/asciiterm/internal/player"
)

const (
	keyCtrlC  = 0x03
	keyEscape = 0x1b

	// VolumeStep is the volume change per +/- key press.
	VolumeStep = 0.1
)

// Keymap translates key presses into player commands. It tracks the volume
// it last requested so +/- can step from it.
type Keymap struct {
	volume float32
}

func NewKeymap(volume float32) *Keymap {
	return &Keymap{volume: clampVolume(volume)}
}

func (k *Keymap) Volume() float32 { return k.volume }

// Commands maps one read from the terminal to commands. A read that starts
// with ESC followed by more bytes is an escape sequence (arrow keys and the
// like) and is ignored; a lone ESC means stop.
func (k *Keymap) Commands(keys []byte) []player.Command {
	if len(keys) > 1 && keys[0] == keyEscape {
		return nil
	}

	var cmds []player.Command
	for _, b := range keys {
		switch {
		case b == ' ':
			cmds = append(cmds, player.Command{Kind: player.CmdTogglePlayPause})
		case b == 'q' || b == 'Q' || b == keyEscape || b == keyCtrlC:
			cmds = append(cmds, player.Command{Kind: player.CmdStop})
		case b == 'm' || b == 'M':
			cmds = append(cmds, player.Command{Kind: player.CmdToggleMute})
		case b == '+' || b == '=':
			k.volume = clampVolume(k.volume + VolumeStep)
			cmds = append(cmds, player.VolumeCommand(k.volume))
		case b == '-' || b == '_':
			k.volume = clampVolume(k.volume - VolumeStep)
			cmds = append(cmds, player.VolumeCommand(k.volume))
		case b >= '0' && b <= '9':
			cmds = append(cmds, player.CharMapCommand(int(b-'0')))
		case b == 'g' || b == 'G':
			cmds = append(cmds, player.Command{Kind: player.CmdToggleGrayscale})
		}
	}
	return cmds
}

func clampVolume(v float32) float32 {
	// Round to the step so repeated presses land on exact values.
	v = float32(int(v*10+0.5)) / 10
	return min(max(v, 0), 1)
}

// ReadInput reads key presses from r and sends the matching commands until
// ctx is cancelled, r is exhausted or a Stop command was sent.
//
// A blocked Read cannot be interrupted, so reading happens on a helper
// goroutine that exits with the next key press or at process exit.
func ReadInput(ctx context.Context, r io.Reader, keys *Keymap, send func(player.Command) bool) error {
	reads := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case reads <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errs <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case chunk := <-reads:
			for _, cmd := range keys.Commands(chunk) {
				if !send(cmd) {
					slog.Debug("Key command dropped", "command", cmd)
				}
				if cmd.Kind == player.CmdStop {
					return nil
				}
			}
		}
	}
}

// WatchSize polls size every interval and sends a Resize command whenever
// the terminal dimensions change.
func WatchSize(ctx context.Context, interval time.Duration, size func() (cols, rows int, err error), send func(player.Command) bool) error {
	lastCols, lastRows, err := size()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cols, rows, err := size()
		if err != nil {
			slog.Debug("Failed to read terminal size", "error", err)
			continue
		}
		if cols == lastCols && rows == lastRows {
			continue
		}
		lastCols, lastRows = cols, rows
		slog.Debug("Terminal resized", "cols", cols, "rows", rows)
		send(player.ResizeCommand(cols, rows))
	}
}
