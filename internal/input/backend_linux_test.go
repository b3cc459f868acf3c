//go:build linux

package input

import "testing"

func TestTranslateKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"enter", "Return"},
		{"Escape", "Escape"},
		{"pageup", "Page_Up"},
		{"arrowdown", "Down"},
		{"ctrl", "ctrl"},
		{"cmd", "super"},
		{"f5", "F5"},
		{"a", "a"},
	}
	for _, tt := range tests {
		if got := translateKey(tt.in); got != tt.want {
			t.Errorf("translateKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestButtonNumber(t *testing.T) {
	if n, err := buttonNumber(""); err != nil || n != "1" {
		t.Errorf("empty button = (%q, %v), want left", n, err)
	}
	if n, err := buttonNumber("right"); err != nil || n != "3" {
		t.Errorf("right = (%q, %v)", n, err)
	}
	if _, err := buttonNumber("pinky"); err == nil {
		t.Error("unknown button should error")
	}
}
