// Package render turns decoded video frames into colored character cells.
package render

import (
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/drgolem/asciiterm/pkg/media"
)

type Config struct {
	Width         int // cells per row
	Height        int // rows
	CharMap       int
	Grayscale     bool
	Newlines      bool // end every row but the last with "\r\n"
	WidthModifier int  // terminal columns per cell
}

func DefaultConfig() Config {
	return Config{
		Width:         80,
		Height:        24,
		WidthModifier: 1,
	}
}

// Frame is one rendered picture: Text holds one rune per cell and Colors
// the matching RGB triple per rune.
type Frame struct {
	Text   []rune
	Colors []byte
	Width  int
	Height int
}

// Renderer is safe for concurrent use.
type Renderer struct {
	mu  sync.Mutex
	cfg Config
	src *image.RGBA
	dst *image.RGBA
}

func New(cfg Config) *Renderer {
	if cfg.WidthModifier <= 0 {
		cfg.WidthModifier = 1
	}
	return &Renderer{cfg: cfg}
}

func (r *Renderer) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetCharMap selects a character map; out of range indexes wrap around.
func (r *Renderer) SetCharMap(index int) {
	r.mu.Lock()
	r.cfg.CharMap = wrapIndex(index)
	r.mu.Unlock()
}

func (r *Renderer) ToggleGrayscale() {
	r.mu.Lock()
	r.cfg.Grayscale = !r.cfg.Grayscale
	r.mu.Unlock()
}

// Resize sets the target from a terminal size in columns and rows.
func (r *Renderer) Resize(cols, rows int) {
	r.mu.Lock()
	r.cfg.Width = max(cols/r.cfg.WidthModifier, 1)
	r.cfg.Height = max(rows, 1)
	r.mu.Unlock()
}

// Render scales f to the target size and maps every pixel to a character.
func (r *Renderer) Render(f *media.VideoFrame) (Frame, error) {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return Frame{}, fmt.Errorf("render: empty frame")
	}
	if f.Format.BytesPerPixel() == 0 {
		return Frame{}, fmt.Errorf("render: unsupported pixel format %s", f.Format)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.cfg
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Frame{}, fmt.Errorf("render: invalid target %dx%d", cfg.Width, cfg.Height)
	}

	img := r.scale(f, cfg.Width, cfg.Height)
	chars := charMap(cfg.CharMap)

	cells := cfg.Width * cfg.Height
	if cfg.Newlines {
		cells += 2 * (cfg.Height - 1)
	}
	out := Frame{
		Text:   make([]rune, 0, cells),
		Colors: make([]byte, 0, cells*3),
		Width:  cfg.Width,
		Height: cfg.Height,
	}

	for y := 0; y < cfg.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < cfg.Width; x++ {
			p := row[x*4:]
			cr, cg, cb := p[0], p[1], p[2]
			lum := Luminance(cr, cg, cb)
			if cfg.Grayscale {
				cr, cg, cb = lum, lum, lum
			}
			out.Text = append(out.Text, LuminanceToChar(lum, chars))
			out.Colors = append(out.Colors, cr, cg, cb)
		}
		if cfg.Newlines && y < cfg.Height-1 {
			out.Text = append(out.Text, '\r', '\n')
			out.Colors = append(out.Colors, 0, 0, 0, 0, 0, 0)
		}
	}
	return out, nil
}

// scale copies f into an RGBA image and resizes it to w x h.
func (r *Renderer) scale(f *media.VideoFrame, w, h int) *image.RGBA {
	r.src = reuse(r.src, f.Width, f.Height)
	for y := 0; y < f.Height; y++ {
		row := r.src.Pix[y*r.src.Stride:]
		for x := 0; x < f.Width; x++ {
			cr, cg, cb := f.RGBAt(x, y)
			row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = cr, cg, cb, 0xff
		}
	}
	if f.Width == w && f.Height == h {
		return r.src
	}

	r.dst = reuse(r.dst, w, h)
	draw.ApproxBiLinear.Scale(r.dst, r.dst.Bounds(), r.src, r.src.Bounds(), draw.Src, nil)
	return r.dst
}

func reuse(img *image.RGBA, w, h int) *image.RGBA {
	if img != nil && img.Rect.Dx() == w && img.Rect.Dy() == h {
		return img
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}
