package decoders

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/drgolem/asciiterm/pkg/decoders/ffmpeg"
	"github.com/drgolem/asciiterm/pkg/media"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".webp": true,
	".tiff": true,
	".tif":  true,
}

// NewEngine returns the default decode engine.
func NewEngine() media.Engine {
	return ffmpeg.New()
}

// IsImageFile reports whether fileName has a still-image extension.
func IsImageFile(fileName string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(fileName))]
}

// Probe opens fileName once to read its metadata and closes it again.
// Image extensions override what the engine reported, so a single-frame
// gif or webp is shown as a picture instead of played.
func Probe(engine media.Engine, fileName string) (media.Info, error) {
	h, err := engine.Open(fileName)
	if err != nil {
		return media.Info{}, fmt.Errorf("failed to open %s: %w", fileName, err)
	}
	defer h.Close()

	info := h.Info()
	if IsImageFile(fileName) && info.HasVideo {
		info.Type = media.TypeImage
	}
	if !info.HasVideo && !info.HasAudio {
		info.Type = media.TypeUnknown
	}
	return info, nil
}
