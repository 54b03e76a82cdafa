package player

import (
	"fmt"
	"time"
)

type CommandKind int

const (
	CmdPlay CommandKind = iota
	CmdPause
	CmdStop
	CmdSeek
	CmdSetVolume
	CmdMute
	CmdUnmute
	CmdTogglePlayPause
	CmdToggleMute
	CmdSetCharMap
	CmdToggleGrayscale
	CmdResize
)

var commandNames = [...]string{
	CmdPlay:            "play",
	CmdPause:           "pause",
	CmdStop:            "stop",
	CmdSeek:            "seek",
	CmdSetVolume:       "set_volume",
	CmdMute:            "mute",
	CmdUnmute:          "unmute",
	CmdTogglePlayPause: "toggle_play_pause",
	CmdToggleMute:      "toggle_mute",
	CmdSetCharMap:      "set_char_map",
	CmdToggleGrayscale: "toggle_grayscale",
	CmdResize:          "resize",
}

func (k CommandKind) String() string {
	if k < 0 || int(k) >= len(commandNames) {
		return fmt.Sprintf("command(%d)", int(k))
	}
	return commandNames[k]
}

// Command is a transport or rendering directive for the player. Only the
// field matching Kind is meaningful.
type Command struct {
	Kind    CommandKind
	Seek    time.Duration
	Volume  float32
	CharMap int
	Width   int
	Height  int
}

func (c Command) String() string {
	switch c.Kind {
	case CmdSeek:
		return fmt.Sprintf("seek(%s)", c.Seek)
	case CmdSetVolume:
		return fmt.Sprintf("set_volume(%.2f)", c.Volume)
	case CmdSetCharMap:
		return fmt.Sprintf("set_char_map(%d)", c.CharMap)
	case CmdResize:
		return fmt.Sprintf("resize(%dx%d)", c.Width, c.Height)
	default:
		return c.Kind.String()
	}
}

func SeekCommand(d time.Duration) Command { return Command{Kind: CmdSeek, Seek: d} }

func VolumeCommand(v float32) Command { return Command{Kind: CmdSetVolume, Volume: v} }

func CharMapCommand(index int) Command { return Command{Kind: CmdSetCharMap, CharMap: index} }

func ResizeCommand(cols, rows int) Command { return Command{Kind: CmdResize, Width: cols, Height: rows} }

// State of the playback state machine.
type State int32

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}
