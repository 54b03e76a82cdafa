package render

// Character maps ordered from darkest to brightest.
var charMaps = []struct {
	name  string
	chars []rune
}{
	{"Basic ASCII (10 chars)", []rune(" .:-=+*#%@")},
	{"Extended ASCII (67 chars)", []rune(` .'` + "`" + `^",:;Il!i~+_-?][}{1)(|/tfjrxnuvczXYUJCLQ0OZmwqpdbkhao*#MW&8%B@$`)},
	{"Full ASCII (92 chars)", []rune(" `" + `.-':_,^=;><+!rc*/z?sLTv)J7(|Fi{C}fI31tlu[neoZ5Yxjya]2ESwqkP6h9d4VpOGbUAKXHm8RD#$Bg0MNWQ%&@`)},
	{"Unicode Blocks", []rune(" ░▒▓█")},
	{"Braille Characters", []rune(" ⠁⠃⠇⠏⠟⠿⣿")},
	{"Dot Characters", []rune(" ·∶⁚⁛⁜⁝⁞ ⣿")},
	{"Gradient Blocks", []rune(" ▁▂▃▄▅▆▇█")},
	{"Binary (Black/White)", []rune(" █")},
	{"Binary Dots", []rune(" ⣿")},
	{"Emoji Style", []rune(" ·•○●")},
}

// CharMapCount is the number of built-in character maps.
func CharMapCount() int { return len(charMaps) }

// CharMapName returns the display name of map index, wrapping around.
func CharMapName(index int) string {
	return charMaps[wrapIndex(index)].name
}

func charMap(index int) []rune {
	return charMaps[wrapIndex(index)].chars
}

func wrapIndex(index int) int {
	index %= len(charMaps)
	if index < 0 {
		index += len(charMaps)
	}
	return index
}

// LuminanceToChar maps a 0-255 luminance onto chars.
func LuminanceToChar(lum uint8, chars []rune) rune {
	if len(chars) == 0 {
		return ' '
	}
	i := int(lum) * len(chars) / 256
	return chars[min(i, len(chars)-1)]
}

// Luminance is the ITU-R BT.709 luma of an sRGB pixel.
func Luminance(r, g, b uint8) uint8 {
	return uint8((2126*uint32(r) + 7152*uint32(g) + 722*uint32(b)) / 10000)
}
