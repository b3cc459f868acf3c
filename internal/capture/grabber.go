package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

// maxGrabFailures consecutive errors shut the grabber down for the rest of
// the process lifetime. Subprocess backends take over.
const maxGrabFailures = 10

type jpegKey struct {
	width   int
	quality int
	cursor  bool
	monitor int
}

// Grabber runs the native capture loop. It keeps the latest raw frame plus
// one encoded JPEG, re-encoding only when the frame or encode parameters
// change.
type Grabber struct {
	source   FrameSource
	interval time.Duration

	mu        sync.Mutex
	monitor   int
	frame     *image.RGBA
	frameSeq  uint64
	grabbedAt time.Time

	jpegKey  jpegKey
	jpegSeq  uint64
	jpegData []byte

	failures int
	disabled string
	frames   uint64
	errors   uint64
}

// GrabberStats is the diagnostics view of the native loop.
type GrabberStats struct {
	Enabled        bool    `json:"enabled"`
	DisabledReason string  `json:"disabled_reason,omitempty"`
	Frames         uint64  `json:"frames"`
	Errors         uint64  `json:"errors"`
	LastFrameTS    float64 `json:"last_frame_ts"`
	Monitor        int     `json:"monitor"`
}

// NewGrabber wraps a frame source in a capture loop targeting fps.
func NewGrabber(source FrameSource, fps float64) *Grabber {
	if fps <= 0 {
		fps = 15
	}
	return &Grabber{
		source:   source,
		interval: time.Duration(float64(time.Second) / fps),
	}
}

// Run grabs frames until ctx is done or the failure budget is exhausted.
func (g *Grabber) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.source.Close()
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		monitor := g.monitor
		disabled := g.disabled != ""
		g.mu.Unlock()
		if disabled {
			g.source.Close()
			return
		}

		frame, err := g.source.Grab(monitor)

		g.mu.Lock()
		if err != nil {
			g.failures++
			g.errors++
			if g.failures >= maxGrabFailures {
				g.disabled = fmt.Sprintf("capture failed %d times, last: %v", g.failures, err)
				log.Warn("native grabber disabled", logging.KeyError, err, "failures", g.failures)
			}
			g.mu.Unlock()
			continue
		}
		g.failures = 0
		g.frame = frame
		g.frameSeq++
		g.frames++
		g.grabbedAt = time.Now()
		g.mu.Unlock()
	}
}

// SetMonitor switches the loop to another display. Out-of-range indexes fall
// back to the primary.
func (g *Grabber) SetMonitor(monitor int) {
	if monitor < 0 || monitor >= g.source.Monitors() {
		monitor = 0
	}
	g.mu.Lock()
	g.monitor = monitor
	g.mu.Unlock()
}

// Enabled reports whether the loop is still capturing.
func (g *Grabber) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabled == ""
}

// JPEG returns the latest frame encoded for the given parameters. The seq
// value increments with every new frame so callers can detect staleness.
func (g *Grabber) JPEG(width, quality int, cursor bool, monitor int) ([]byte, uint64, error) {
	g.SetMonitor(monitor)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disabled != "" {
		return nil, 0, fmt.Errorf("%w: %s", ErrDisabled, g.disabled)
	}
	if g.frame == nil {
		return nil, 0, ErrNoFrame
	}

	key := jpegKey{width: width, quality: quality, cursor: cursor, monitor: monitor}
	if g.jpegData != nil && g.jpegKey == key && g.jpegSeq == g.frameSeq {
		return g.jpegData, g.jpegSeq, nil
	}

	frame := ScaleToWidth(g.frame, width)
	data, err := EncodeJPEG(frame, quality)
	if err != nil {
		return nil, 0, err
	}
	g.jpegKey = key
	g.jpegSeq = g.frameSeq
	g.jpegData = data
	return data, g.jpegSeq, nil
}

// Stats snapshots the loop state for diagnostics.
func (g *Grabber) Stats() GrabberStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	var lastTS float64
	if !g.grabbedAt.IsZero() {
		lastTS = float64(g.grabbedAt.UnixMilli()) / 1000
	}
	return GrabberStats{
		Enabled:        g.disabled == "",
		DisabledReason: g.disabled,
		Frames:         g.frames,
		Errors:         g.errors,
		LastFrameTS:    lastTS,
		Monitor:        g.monitor,
	}
}
