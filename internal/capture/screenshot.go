package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

// ScreenshotLoop captures frames by invoking an external screenshot tool at
// a low cadence. It is the fallback of last resort: slow, but it works on
// desktops where neither native capture nor the subprocess pipelines do.
type ScreenshotLoop struct {
	tool     string
	interval time.Duration

	mu         sync.Mutex
	jpeg       []byte
	raw        *image.RGBA
	seq        uint64
	width      int
	quality    int
	capturedAt time.Time
	lastErr    string
}

// NewScreenshotLoop builds a loop around the given tool (grim,
// gnome-screenshot, spectacle, import, scrot, or screencapture).
func NewScreenshotLoop(tool string, fps float64) *ScreenshotLoop {
	if fps <= 0 || fps > 4 {
		fps = 2
	}
	return &ScreenshotLoop{
		tool:     tool,
		interval: time.Duration(float64(time.Second) / fps),
	}
}

// Run captures until ctx is done.
func (l *ScreenshotLoop) Run(ctx context.Context) {
	llog := logging.L("screenshot")
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		img, err := l.captureOnce(ctx)
		l.mu.Lock()
		if err != nil {
			l.lastErr = err.Error()
			l.mu.Unlock()
			llog.Debug("screenshot capture failed", logging.KeyError, err)
			continue
		}
		l.raw = img
		l.seq++
		l.capturedAt = time.Now()
		l.jpeg = nil // force re-encode on next pull
		l.mu.Unlock()
	}
}

// JPEG returns the last captured frame scaled and encoded on demand. The
// previous good frame is served while a capture is in flight.
func (l *ScreenshotLoop) JPEG(width, quality int, cursor bool, monitor int) ([]byte, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.raw == nil {
		if l.lastErr != "" {
			return nil, 0, fmt.Errorf("screenshot backend: %s", l.lastErr)
		}
		return nil, 0, ErrNoFrame
	}
	if l.jpeg == nil || l.width != width || l.quality != quality {
		data, err := EncodeJPEG(ScaleToWidth(l.raw, width), quality)
		if err != nil {
			return nil, 0, err
		}
		l.jpeg = data
		l.width = width
		l.quality = quality
	}
	return l.jpeg, l.seq, nil
}

// LastError exposes the most recent failure for diagnostics.
func (l *ScreenshotLoop) LastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *ScreenshotLoop) captureOnce(ctx context.Context) (*image.RGBA, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out := filepath.Join(os.TempDir(), fmt.Sprintf("cyberdeck-shot-%d.png", os.Getpid()))
	defer os.Remove(out)

	var cmd *exec.Cmd
	switch l.tool {
	case "grim":
		cmd = exec.CommandContext(cctx, "grim", out)
	case "gnome-screenshot":
		cmd = exec.CommandContext(cctx, "gnome-screenshot", "-f", out)
	case "spectacle":
		cmd = exec.CommandContext(cctx, "spectacle", "-b", "-n", "-o", out)
	case "import":
		cmd = exec.CommandContext(cctx, "import", "-window", "root", out)
	case "scrot":
		cmd = exec.CommandContext(cctx, "scrot", "-o", out)
	case "screencapture":
		cmd = exec.CommandContext(cctx, "screencapture", "-x", "-t", "png", out)
	default:
		return nil, fmt.Errorf("unknown screenshot tool %q on %s", l.tool, runtime.GOOS)
	}
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", l.tool, err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", l.tool, err)
	}
	return toRGBA(img), nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return rgba
}
