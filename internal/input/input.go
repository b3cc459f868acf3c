// Package input injects pointer, keyboard, and media-key events into the
// host desktop. Platform implementations live in backend_*.go files.
package input

import "errors"

// ErrUnavailable marks a backend (or single capability) that cannot work on
// this host, for example a macOS build without an injection tool installed.
// Handlers translate it to 501.
var ErrUnavailable = errors.New("input backend unavailable")

// Mouse button names accepted on the wire.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
)

// Media keys accepted by MediaKey.
const (
	MediaVolumeUp   = "volume_up"
	MediaVolumeDown = "volume_down"
	MediaVolumeMute = "volume_mute"
)

// Backend performs the actual event injection. All pointer motion is
// relative; the client never sees host screen coordinates.
type Backend interface {
	// MoveRelative shifts the pointer by (dx, dy) pixels.
	MoveRelative(dx, dy int) error

	// Click presses and releases a button at the current position.
	Click(button string, double bool) error

	// ButtonDown and ButtonUp drive drag gestures.
	ButtonDown(button string) error
	ButtonUp(button string) error

	// Scroll moves the wheel by dy notches, positive is up.
	Scroll(dy int) error

	// KeyPress taps a single named key.
	KeyPress(key string) error

	// Hotkey presses keys as a chord, releasing in reverse order.
	Hotkey(keys []string) error

	// TypeText inserts a unicode string as keystrokes.
	TypeText(text string) error

	// MediaKey taps one of the Media* keys.
	MediaKey(name string) error
}

// New returns the injection backend for the current platform.
// Implementation is in backend_*.go files.
