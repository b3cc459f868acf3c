package sysactions

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestKnown(t *testing.T) {
	for _, name := range []string{"shutdown", "restart", "logoff", "lock", "sleep", "hibernate"} {
		if !Known(name) {
			t.Errorf("Known(%q) = false", name)
		}
	}
	if Known("explode") {
		t.Error("unknown action accepted")
	}
}

func TestRunFirstSuccessWins(t *testing.T) {
	var tried [][]string
	r := NewRunner(time.Second)
	r.exec = func(ctx context.Context, argv []string) error {
		tried = append(tried, argv)
		return nil
	}

	if err := r.Run(context.Background(), ActionShutdown); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tried) != 1 {
		t.Errorf("attempts = %d, want 1", len(tried))
	}
}

func TestRunFallsBackToNextCandidate(t *testing.T) {
	if len(commandsFor(ActionShutdown, "linux")) < 2 {
		t.Fatal("linux shutdown should have a fallback candidate")
	}

	var tried [][]string
	r := NewRunner(time.Second)
	r.exec = func(ctx context.Context, argv []string) error {
		tried = append(tried, argv)
		if len(tried) == 1 {
			return errors.New("tool missing")
		}
		return nil
	}

	err := r.Run(context.Background(), ActionShutdown)
	if len(commandsFor(ActionShutdown, runtime.GOOS)) > 1 {
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(tried) != 2 {
			t.Errorf("attempts = %d, want 2", len(tried))
		}
	}
}

func TestRunCollectsAllFailures(t *testing.T) {
	r := NewRunner(time.Second)
	r.exec = func(ctx context.Context, argv []string) error {
		return errors.New("denied")
	}

	err := r.Run(context.Background(), ActionRestart)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "denied") {
		t.Errorf("err = %v", err)
	}
}

func TestRunAppliesTimeout(t *testing.T) {
	r := NewRunner(50 * time.Millisecond)
	r.exec = func(ctx context.Context, argv []string) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Error("no deadline on command context")
		}
		if remaining := time.Until(deadline); remaining > time.Second {
			t.Errorf("deadline too far: %s", remaining)
		}
		return errors.New("skip")
	}
	r.Run(context.Background(), ActionLock)
}

func TestRunUnknownAction(t *testing.T) {
	r := NewRunner(time.Second)
	r.exec = func(ctx context.Context, argv []string) error { return nil }
	if err := r.Run(context.Background(), "format_disk"); err == nil {
		t.Fatal("unsupported action should error")
	}
}
