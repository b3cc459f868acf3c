//go:build darwin

package input

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// darwinBackend shells out to cliclick for pointer work and osascript for
// keyboard events. CGEvent injection needs CGO, which these builds avoid.
type darwinBackend struct {
	hasCliclick bool
}

// New creates a macOS input backend.
func New() Backend {
	_, err := exec.LookPath("cliclick")
	return &darwinBackend{hasCliclick: err == nil}
}

func (b *darwinBackend) cliclick(args ...string) error {
	if !b.hasCliclick {
		return ErrUnavailable
	}
	return exec.Command("cliclick", args...).Run()
}

func osascript(script string) error {
	return exec.Command("osascript", "-e", script).Run()
}

func (b *darwinBackend) MoveRelative(dx, dy int) error {
	return b.cliclick(fmt.Sprintf("m:%+d,%+d", dx, dy))
}

func (b *darwinBackend) Click(button string, double bool) error {
	cmd := "c:."
	switch button {
	case ButtonRight:
		cmd = "rc:."
	case ButtonMiddle:
		return ErrUnavailable
	}
	if double && button != ButtonRight {
		cmd = "dc:."
	}
	return b.cliclick(cmd)
}

func (b *darwinBackend) ButtonDown(button string) error {
	if button != ButtonLeft && button != "" {
		return ErrUnavailable
	}
	return b.cliclick("dd:.")
}

func (b *darwinBackend) ButtonUp(button string) error {
	if button != ButtonLeft && button != "" {
		return ErrUnavailable
	}
	return b.cliclick("du:.")
}

func (b *darwinBackend) Scroll(dy int) error {
	if dy == 0 {
		return nil
	}
	return b.cliclick("w:" + strconv.Itoa(-dy))
}

func (b *darwinBackend) KeyPress(key string) error {
	if code, ok := darwinKeyCode(key); ok {
		return osascript(fmt.Sprintf(`tell application "System Events" to key code %d`, code))
	}
	if len([]rune(key)) == 1 {
		return osascript(fmt.Sprintf(`tell application "System Events" to keystroke %s`, appleQuote(key)))
	}
	return fmt.Errorf("unknown key %q", key)
}

func (b *darwinBackend) Hotkey(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	var mods []string
	main := ""
	for _, k := range keys {
		switch strings.ToLower(k) {
		case "ctrl", "control":
			mods = append(mods, "control down")
		case "alt", "option":
			mods = append(mods, "option down")
		case "shift":
			mods = append(mods, "shift down")
		case "meta", "super", "win", "cmd", "command":
			mods = append(mods, "command down")
		default:
			main = k
		}
	}
	if main == "" {
		return nil
	}
	using := ""
	if len(mods) > 0 {
		using = " using {" + strings.Join(mods, ", ") + "}"
	}
	if code, ok := darwinKeyCode(main); ok {
		return osascript(fmt.Sprintf(`tell application "System Events" to key code %d%s`, code, using))
	}
	return osascript(fmt.Sprintf(`tell application "System Events" to keystroke %s%s`, appleQuote(main), using))
}

func (b *darwinBackend) TypeText(text string) error {
	if text == "" {
		return nil
	}
	return osascript(fmt.Sprintf(`tell application "System Events" to keystroke %s`, appleQuote(text)))
}

func (b *darwinBackend) MediaKey(name string) error {
	switch name {
	case MediaVolumeUp:
		return osascript(`set volume output volume ((output volume of (get volume settings)) + 6)`)
	case MediaVolumeDown:
		return osascript(`set volume output volume ((output volume of (get volume settings)) - 6)`)
	case MediaVolumeMute:
		return osascript(`set volume with output muted`)
	}
	return fmt.Errorf("unknown media key %q", name)
}

func appleQuote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func darwinKeyCode(key string) (int, bool) {
	code, ok := map[string]int{
		"enter": 36, "return": 36,
		"tab": 48, "space": 49, "backspace": 51,
		"esc": 53, "escape": 53,
		"delete": 117, "del": 117,
		"home": 115, "end": 119,
		"pageup": 116, "page_up": 116,
		"pagedown": 121, "page_down": 121,
		"left": 123, "arrowleft": 123,
		"right": 124, "arrowright": 124,
		"down": 125, "arrowdown": 125,
		"up": 126, "arrowup": 126,
		"f1": 122, "f2": 120, "f3": 99, "f4": 118, "f5": 96, "f6": 97,
		"f7": 98, "f8": 100, "f9": 101, "f10": 109, "f11": 103, "f12": 111,
	}[strings.ToLower(key)]
	return code, ok
}
