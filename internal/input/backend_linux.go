//go:build linux

package input

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// linuxBackend drives xdotool on X11 and ydotool on Wayland. Both tools are
// detected once at construction; missing tools surface as ErrUnavailable per
// call so the server still starts on headless hosts.
type linuxBackend struct {
	tool string
}

// New creates a Linux input backend.
func New() Backend {
	b := &linuxBackend{}
	if isWaylandSession() {
		if _, err := exec.LookPath("ydotool"); err == nil {
			b.tool = "ydotool"
			return b
		}
	}
	if _, err := exec.LookPath("xdotool"); err == nil {
		b.tool = "xdotool"
	}
	return b
}

func isWaylandSession() bool {
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return true
	}
	return strings.EqualFold(os.Getenv("XDG_SESSION_TYPE"), "wayland")
}

func (b *linuxBackend) run(args ...string) error {
	if b.tool == "" {
		return ErrUnavailable
	}
	return exec.Command(b.tool, args...).Run()
}

func (b *linuxBackend) MoveRelative(dx, dy int) error {
	if b.tool == "ydotool" {
		return b.run("mousemove", "--", strconv.Itoa(dx), strconv.Itoa(dy))
	}
	return b.run("mousemove_relative", "--", strconv.Itoa(dx), strconv.Itoa(dy))
}

func buttonNumber(button string) (string, error) {
	switch button {
	case ButtonLeft, "":
		return "1", nil
	case ButtonMiddle:
		return "2", nil
	case ButtonRight:
		return "3", nil
	}
	return "", fmt.Errorf("unknown mouse button %q", button)
}

func (b *linuxBackend) Click(button string, double bool) error {
	btn, err := buttonNumber(button)
	if err != nil {
		return err
	}
	if b.tool == "ydotool" {
		// ydotool click takes a hex button code: 0xC0 is left down+up.
		code := map[string]string{"1": "0xC0", "2": "0xC2", "3": "0xC1"}[btn]
		if double {
			if err := b.run("click", code); err != nil {
				return err
			}
		}
		return b.run("click", code)
	}
	if double {
		return b.run("click", "--repeat", "2", "--delay", "80", btn)
	}
	return b.run("click", btn)
}

func (b *linuxBackend) ButtonDown(button string) error {
	btn, err := buttonNumber(button)
	if err != nil {
		return err
	}
	if b.tool == "ydotool" {
		code := map[string]string{"1": "0x40", "2": "0x42", "3": "0x41"}[btn]
		return b.run("click", code)
	}
	return b.run("mousedown", btn)
}

func (b *linuxBackend) ButtonUp(button string) error {
	btn, err := buttonNumber(button)
	if err != nil {
		return err
	}
	if b.tool == "ydotool" {
		code := map[string]string{"1": "0x80", "2": "0x82", "3": "0x81"}[btn]
		return b.run("click", code)
	}
	return b.run("mouseup", btn)
}

func (b *linuxBackend) Scroll(dy int) error {
	if b.tool == "ydotool" {
		return b.run("mousemove", "--wheel", "--", "0", strconv.Itoa(dy))
	}
	direction := "4" // wheel up
	if dy < 0 {
		direction = "5"
		dy = -dy
	}
	for i := 0; i < dy; i++ {
		if err := b.run("click", direction); err != nil {
			return err
		}
	}
	return nil
}

func (b *linuxBackend) KeyPress(key string) error {
	return b.run("key", translateKey(key))
}

func (b *linuxBackend) Hotkey(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, translateKey(k))
	}
	return b.run("key", strings.Join(parts, "+"))
}

func (b *linuxBackend) TypeText(text string) error {
	if text == "" {
		return nil
	}
	if b.tool == "ydotool" {
		return b.run("type", "--", text)
	}
	return b.run("type", "--delay", "12", "--", text)
}

func (b *linuxBackend) MediaKey(name string) error {
	key, ok := map[string]string{
		MediaVolumeUp:   "XF86AudioRaiseVolume",
		MediaVolumeDown: "XF86AudioLowerVolume",
		MediaVolumeMute: "XF86AudioMute",
	}[name]
	if !ok {
		return fmt.Errorf("unknown media key %q", name)
	}
	return b.run("key", key)
}

// translateKey maps wire key names to X keysym names.
func translateKey(key string) string {
	switch strings.ToLower(key) {
	case "enter", "return":
		return "Return"
	case "esc", "escape":
		return "Escape"
	case "backspace":
		return "BackSpace"
	case "tab":
		return "Tab"
	case "space":
		return "space"
	case "delete", "del":
		return "Delete"
	case "home":
		return "Home"
	case "end":
		return "End"
	case "pageup", "page_up":
		return "Page_Up"
	case "pagedown", "page_down":
		return "Page_Down"
	case "up", "arrowup":
		return "Up"
	case "down", "arrowdown":
		return "Down"
	case "left", "arrowleft":
		return "Left"
	case "right", "arrowright":
		return "Right"
	case "ctrl", "control":
		return "ctrl"
	case "alt":
		return "alt"
	case "shift":
		return "shift"
	case "meta", "super", "win", "cmd":
		return "super"
	case "f1", "f2", "f3", "f4", "f5", "f6", "f7", "f8", "f9", "f10", "f11", "f12":
		return strings.ToUpper(key[:1]) + key[1:]
	}
	return key
}
