//go:build windows

package input

import (
	"fmt"
	"strings"
	"syscall"
	"time"
	"unsafe"
)

var (
	user32       = syscall.NewLazyDLL("user32.dll")
	procSendInpt = user32.NewProc("SendInput")
)

const (
	inputMouse    = 0
	inputKeyboard = 1

	mouseeventfMove       = 0x0001
	mouseeventfLeftDown   = 0x0002
	mouseeventfLeftUp     = 0x0004
	mouseeventfRightDown  = 0x0008
	mouseeventfRightUp    = 0x0010
	mouseeventfMiddleDown = 0x0020
	mouseeventfMiddleUp   = 0x0040
	mouseeventfWheel      = 0x0800

	keyeventfKeyUp   = 0x0002
	keyeventfUnicode = 0x0004

	wheelDelta = 120
)

type mouseInput struct {
	dx, dy      int32
	mouseData   uint32
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

type keybdInput struct {
	wVk         uint16
	wScan       uint16
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

type winInput struct {
	inputType uint32
	padding   [4]byte
	union     [32]byte
}

type winBackend struct{}

// New creates a Windows input backend built on SendInput.
func New() Backend {
	return &winBackend{}
}

func send(inputs []winInput) error {
	if len(inputs) == 0 {
		return nil
	}
	n, _, err := procSendInpt.Call(
		uintptr(len(inputs)),
		uintptr(unsafe.Pointer(&inputs[0])),
		unsafe.Sizeof(inputs[0]),
	)
	if int(n) != len(inputs) {
		return fmt.Errorf("SendInput injected %d of %d events: %v", n, len(inputs), err)
	}
	return nil
}

func mouseEvent(dx, dy int32, data, flags uint32) winInput {
	in := winInput{inputType: inputMouse}
	mi := (*mouseInput)(unsafe.Pointer(&in.union[0]))
	mi.dx, mi.dy = dx, dy
	mi.mouseData = data
	mi.dwFlags = flags
	return in
}

func keyEvent(vk, scan uint16, flags uint32) winInput {
	in := winInput{inputType: inputKeyboard}
	ki := (*keybdInput)(unsafe.Pointer(&in.union[0]))
	ki.wVk = vk
	ki.wScan = scan
	ki.dwFlags = flags
	return in
}

func (b *winBackend) MoveRelative(dx, dy int) error {
	return send([]winInput{mouseEvent(int32(dx), int32(dy), 0, mouseeventfMove)})
}

func buttonFlags(button string) (down, up uint32, err error) {
	switch button {
	case ButtonLeft, "":
		return mouseeventfLeftDown, mouseeventfLeftUp, nil
	case ButtonRight:
		return mouseeventfRightDown, mouseeventfRightUp, nil
	case ButtonMiddle:
		return mouseeventfMiddleDown, mouseeventfMiddleUp, nil
	}
	return 0, 0, fmt.Errorf("unknown mouse button %q", button)
}

func (b *winBackend) Click(button string, double bool) error {
	down, up, err := buttonFlags(button)
	if err != nil {
		return err
	}
	if err := send([]winInput{mouseEvent(0, 0, 0, down), mouseEvent(0, 0, 0, up)}); err != nil {
		return err
	}
	if double {
		time.Sleep(60 * time.Millisecond)
		return send([]winInput{mouseEvent(0, 0, 0, down), mouseEvent(0, 0, 0, up)})
	}
	return nil
}

func (b *winBackend) ButtonDown(button string) error {
	down, _, err := buttonFlags(button)
	if err != nil {
		return err
	}
	return send([]winInput{mouseEvent(0, 0, 0, down)})
}

func (b *winBackend) ButtonUp(button string) error {
	_, up, err := buttonFlags(button)
	if err != nil {
		return err
	}
	return send([]winInput{mouseEvent(0, 0, 0, up)})
}

func (b *winBackend) Scroll(dy int) error {
	return send([]winInput{mouseEvent(0, 0, uint32(int32(dy*wheelDelta)), mouseeventfWheel)})
}

func (b *winBackend) KeyPress(key string) error {
	vk, ok := virtualKey(key)
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return send([]winInput{keyEvent(vk, 0, 0), keyEvent(vk, 0, keyeventfKeyUp)})
}

func (b *winBackend) Hotkey(keys []string) error {
	vks := make([]uint16, 0, len(keys))
	for _, k := range keys {
		vk, ok := virtualKey(k)
		if !ok {
			return fmt.Errorf("unknown key %q", k)
		}
		vks = append(vks, vk)
	}
	inputs := make([]winInput, 0, len(vks)*2)
	for _, vk := range vks {
		inputs = append(inputs, keyEvent(vk, 0, 0))
	}
	for i := len(vks) - 1; i >= 0; i-- {
		inputs = append(inputs, keyEvent(vks[i], 0, keyeventfKeyUp))
	}
	return send(inputs)
}

func (b *winBackend) TypeText(text string) error {
	inputs := make([]winInput, 0, len(text)*2)
	for _, r := range text {
		for _, unit := range utf16Units(r) {
			inputs = append(inputs, keyEvent(0, unit, keyeventfUnicode))
			inputs = append(inputs, keyEvent(0, unit, keyeventfUnicode|keyeventfKeyUp))
		}
	}
	return send(inputs)
}

func utf16Units(r rune) []uint16 {
	if r < 0x10000 {
		return []uint16{uint16(r)}
	}
	r -= 0x10000
	return []uint16{uint16(0xD800 + (r >> 10)), uint16(0xDC00 + (r & 0x3FF))}
}

func (b *winBackend) MediaKey(name string) error {
	vk, ok := map[string]uint16{
		MediaVolumeUp:   0xAF,
		MediaVolumeDown: 0xAE,
		MediaVolumeMute: 0xAD,
	}[name]
	if !ok {
		return fmt.Errorf("unknown media key %q", name)
	}
	return send([]winInput{keyEvent(vk, 0, 0), keyEvent(vk, 0, keyeventfKeyUp)})
}

// virtualKey maps wire key names to Windows virtual-key codes.
func virtualKey(key string) (uint16, bool) {
	switch k := strings.ToLower(key); k {
	case "enter", "return":
		return 0x0D, true
	case "esc", "escape":
		return 0x1B, true
	case "backspace":
		return 0x08, true
	case "tab":
		return 0x09, true
	case "space":
		return 0x20, true
	case "delete", "del":
		return 0x2E, true
	case "home":
		return 0x24, true
	case "end":
		return 0x23, true
	case "pageup", "page_up":
		return 0x21, true
	case "pagedown", "page_down":
		return 0x22, true
	case "up", "arrowup":
		return 0x26, true
	case "down", "arrowdown":
		return 0x28, true
	case "left", "arrowleft":
		return 0x25, true
	case "right", "arrowright":
		return 0x27, true
	case "ctrl", "control":
		return 0x11, true
	case "alt":
		return 0x12, true
	case "shift":
		return 0x10, true
	case "meta", "super", "win", "cmd":
		return 0x5B, true
	default:
		if len(k) == 1 {
			c := k[0]
			if c >= 'a' && c <= 'z' {
				return uint16(c - 'a' + 0x41), true
			}
			if c >= '0' && c <= '9' {
				return uint16(c), true
			}
		}
		if len(k) >= 2 && len(k) <= 3 && k[0] == 'f' {
			n := 0
			for _, d := range k[1:] {
				if d < '0' || d > '9' {
					return 0, false
				}
				n = n*10 + int(d-'0')
			}
			if n >= 1 && n <= 24 {
				return uint16(0x70 + n - 1), true
			}
		}
		return 0, false
	}
}
