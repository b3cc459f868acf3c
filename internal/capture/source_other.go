//go:build !windows

package capture

import "errors"

// ErrNoNativeSource marks platforms without an in-process capture path.
// Subprocess and screenshot backends cover them.
var ErrNoNativeSource = errors.New("no native capture source on this platform")

// NewFrameSource reports native capture as unsupported. X11 and Wayland
// capture go through ffmpeg or gstreamer instead.
func NewFrameSource() (FrameSource, error) {
	return nil, ErrNoNativeSource
}
