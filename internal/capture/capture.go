// Package capture provides the screen capture backends behind the video
// endpoints: a native in-process grabber, ffmpeg and gstreamer subprocess
// pipelines, and an external screenshot-tool loop.
package capture

import (
	"errors"
	"image"
	"os"
	"strings"
)

// Backend identifies one capture strategy.
type Backend string

const (
	BackendNative     Backend = "native"
	BackendFFmpeg     Backend = "ffmpeg"
	BackendGStreamer  Backend = "gstreamer"
	BackendScreenshot Backend = "screenshot"
)

// ErrDisabled is returned by a grabber that shut itself down after repeated
// capture failures.
var ErrDisabled = errors.New("capture backend disabled")

// ErrNoFrame is returned before the first frame has been captured.
var ErrNoFrame = errors.New("no frame captured yet")

// FrameSource grabs raw frames from a monitor. Platform implementations and
// test fakes plug in here.
type FrameSource interface {
	// Grab captures the current contents of a monitor.
	Grab(monitor int) (*image.RGBA, error)

	// Monitors returns the number of attached displays.
	Monitors() int

	// Close releases capture resources.
	Close() error
}

// JPEGSource yields encoded frames for the MJPEG generator. The returned
// sequence number changes whenever a newer frame is available, letting the
// caller skip duplicate emits.
type JPEGSource interface {
	JPEG(width, quality int, cursor bool, monitor int) (data []byte, seq uint64, err error)
}

// IsWaylandSession reports whether the server runs under a Wayland
// compositor, which rules out X11-only capture paths.
func IsWaylandSession() bool {
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return true
	}
	return strings.EqualFold(os.Getenv("XDG_SESSION_TYPE"), "wayland")
}
