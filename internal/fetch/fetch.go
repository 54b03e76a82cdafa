// Package fetch downloads remote media to a local temporary file so the
// decode engine and the audio process can open it like any other path.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

type Config struct {
	Client  *http.Client
	TempDir string // "" means os.TempDir()
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Client:  http.DefaultClient,
		Timeout: 10 * time.Minute,
	}
}

// IsURL reports whether input should be downloaded before playback.
func IsURL(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

// Download stores the body of rawURL in a new temporary file and returns
// its path. The file keeps the URL's extension so type detection by name
// still works. The caller removes the file.
func Download(ctx context.Context, rawURL string, cfg Config) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: %s", u.Redacted(), resp.Status)
	}

	f, err := os.CreateTemp(cfg.TempDir, "asciiterm-*"+path.Ext(u.Path))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to save %s: %w", u.Redacted(), err)
	}

	slog.Info("Downloaded media",
		"url", u.Redacted(),
		"path", f.Name(),
		"bytes", n,
		"duration", time.Since(start).Round(time.Millisecond))
	return f.Name(), nil
}
