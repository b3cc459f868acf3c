package capture

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

var log = logging.L("capture")

const probeTTL = 8 * time.Second

// Availability is the per-backend readiness map served to the negotiator and
// the diagnostics endpoints.
type Availability map[Backend]bool

// EncoderSupport lists the video encoders the local ffmpeg build offers.
type EncoderSupport struct {
	H264 bool `json:"h264"`
	H265 bool `json:"h265"`
}

// Prober answers "which backends can work right now". Results are cached for
// a short window because LookPath and ffmpeg -encoders are not free.
type Prober struct {
	mu        sync.Mutex
	cached    Availability
	encoders  EncoderSupport
	checkedAt time.Time

	nativeOK func() bool
	lookPath func(string) (string, error)
	encProbe func() EncoderSupport
}

// NewProber builds a prober. nativeOK reports whether the in-process grabber
// is usable; pass nil when no native source exists on this host.
func NewProber(nativeOK func() bool) *Prober {
	p := &Prober{
		nativeOK: nativeOK,
		lookPath: exec.LookPath,
	}
	p.encProbe = p.probeEncoders
	return p
}

// Status returns the availability map. In fast mode a stale cache is served
// as-is; otherwise a stale cache is refreshed first.
func (p *Prober) Status(fast bool) Availability {
	p.mu.Lock()
	defer p.mu.Unlock()

	stale := time.Since(p.checkedAt) > probeTTL
	if p.cached == nil || (stale && !fast) {
		p.refreshLocked()
	}
	out := make(Availability, len(p.cached))
	for k, v := range p.cached {
		out[k] = v
	}
	return out
}

// Encoders returns the cached ffmpeg encoder support, probing if needed.
func (p *Prober) Encoders() EncoderSupport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil || time.Since(p.checkedAt) > probeTTL {
		p.refreshLocked()
	}
	return p.encoders
}

func (p *Prober) refreshLocked() {
	status := Availability{
		BackendNative:     p.nativeOK != nil && p.nativeOK(),
		BackendFFmpeg:     p.has("ffmpeg"),
		BackendGStreamer:  p.has("gst-launch-1.0"),
		BackendScreenshot: p.screenshotTool() != "",
	}
	if status[BackendFFmpeg] {
		p.encoders = p.encProbe()
	} else {
		p.encoders = EncoderSupport{}
	}
	p.cached = status
	p.checkedAt = time.Now()
	log.Debug("backend probe refreshed",
		"native", status[BackendNative],
		"ffmpeg", status[BackendFFmpeg],
		"gstreamer", status[BackendGStreamer],
		"screenshot", status[BackendScreenshot],
	)
}

// ScreenshotTool reports which external screenshot tool the screenshot
// backend would use, or "" when none is installed.
func (p *Prober) ScreenshotTool() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screenshotTool()
}

func (p *Prober) has(tool string) bool {
	_, err := p.lookPath(tool)
	return err == nil
}

// screenshotTool returns the first usable external screenshot tool.
func (p *Prober) screenshotTool() string {
	var candidates []string
	switch runtime.GOOS {
	case "linux":
		if IsWaylandSession() {
			candidates = []string{"grim", "gnome-screenshot", "spectacle"}
		} else {
			candidates = []string{"gnome-screenshot", "spectacle", "import", "scrot"}
		}
	case "darwin":
		candidates = []string{"screencapture"}
	case "windows":
		return ""
	}
	for _, tool := range candidates {
		if p.has(tool) {
			return tool
		}
	}
	return ""
}

func (p *Prober) probeEncoders() EncoderSupport {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil {
		return EncoderSupport{}
	}
	text := string(out)
	return EncoderSupport{
		H264: strings.Contains(text, "libx264") || strings.Contains(text, "h264_"),
		H265: strings.Contains(text, "libx265") || strings.Contains(text, "hevc_"),
	}
}
