package pinlimit

import (
	"fmt"
	"testing"
	"time"
)

func testParams() Params {
	return Params{
		Window:   60 * time.Second,
		MaxFails: 2,
		Block:    300 * time.Second,
		Stale:    time.Hour,
		MaxIPs:   16,
	}
}

func TestBlockAfterMaxFails(t *testing.T) {
	l := New(testParams())
	now := time.Now()

	if ok, _ := l.Check("10.0.0.1", now); !ok {
		t.Fatal("fresh IP should be allowed")
	}
	l.RecordFailure("10.0.0.1", now)
	if ok, _ := l.Check("10.0.0.1", now.Add(time.Second)); !ok {
		t.Fatal("one failure below threshold should still be allowed")
	}
	l.RecordFailure("10.0.0.1", now.Add(time.Second))

	ok, retry := l.Check("10.0.0.1", now.Add(2*time.Second))
	if ok {
		t.Fatal("threshold reached, should be denied")
	}
	if retry != 300 {
		t.Errorf("retryAfter = %d, want 300", retry)
	}
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	l := New(testParams())
	now := time.Now()

	l.RecordFailure("10.0.0.1", now)
	l.RecordFailure("10.0.0.1", now)

	// Past the window and past the block the counter starts over.
	later := now.Add(400 * time.Second)
	if ok, _ := l.Check("10.0.0.1", later); !ok {
		t.Fatal("counter should reset after window and block expire")
	}
}

func TestBlockPersistsAcrossWindow(t *testing.T) {
	l := New(testParams())
	now := time.Now()

	l.RecordFailure("10.0.0.1", now)
	l.RecordFailure("10.0.0.1", now)

	// Window has rolled over but the block is still active.
	during := now.Add(90 * time.Second)
	ok, retry := l.Check("10.0.0.1", during)
	if ok {
		t.Fatal("active block should deny even after window expiry")
	}
	if retry < 1 || retry > 300 {
		t.Errorf("retryAfter = %d out of range", retry)
	}
}

func TestSuccessDropsEntry(t *testing.T) {
	l := New(testParams())
	now := time.Now()

	l.RecordFailure("10.0.0.1", now)
	l.RecordSuccess("10.0.0.1")
	if l.TrackedIPs() != 0 {
		t.Errorf("TrackedIPs = %d, want 0", l.TrackedIPs())
	}
}

func TestIndependentCountersPerIP(t *testing.T) {
	l := New(testParams())
	now := time.Now()

	l.RecordFailure("10.0.0.1", now)
	l.RecordFailure("10.0.0.1", now)
	if ok, _ := l.Check("10.0.0.2", now); !ok {
		t.Error("unrelated IP should not be affected")
	}
}

func TestStaleEviction(t *testing.T) {
	p := testParams()
	p.Stale = 10 * time.Second
	l := New(p)
	now := time.Now()

	l.RecordFailure("10.0.0.1", now)
	// A later operation triggers housekeeping past the stale horizon.
	l.Check("10.0.0.2", now.Add(time.Minute))
	if l.TrackedIPs() != 0 {
		t.Errorf("TrackedIPs = %d, want 0 after stale eviction", l.TrackedIPs())
	}
}

func TestMaxIPsCap(t *testing.T) {
	p := testParams()
	p.MaxIPs = 4
	l := New(p)
	now := time.Now()

	for i := 0; i < 10; i++ {
		l.RecordFailure(fmt.Sprintf("10.0.0.%d", i), now)
	}
	if l.TrackedIPs() > 4 {
		t.Errorf("TrackedIPs = %d, want <= 4", l.TrackedIPs())
	}
}

func TestResetClearsAll(t *testing.T) {
	l := New(testParams())
	now := time.Now()
	l.RecordFailure("10.0.0.1", now)
	l.RecordFailure("10.0.0.1", now)
	l.Reset()
	if ok, _ := l.Check("10.0.0.1", now); !ok {
		t.Error("Reset should clear active blocks")
	}
}
