package inputguard

import "testing"

func TestSetLockedRoundTrip(t *testing.T) {
	g := New()

	if g.IsLocked() {
		t.Fatal("new guard should be unlocked")
	}

	snap := g.SetLocked(true, "panic", "launcher")
	if !snap.Locked || snap.Reason != "panic" || snap.Actor != "launcher" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.UpdatedTS == 0 {
		t.Error("UpdatedTS not set")
	}
	if !g.IsLocked() {
		t.Error("guard should be locked")
	}

	got := g.Snapshot()
	if got != snap {
		t.Errorf("Snapshot = %+v, want %+v", got, snap)
	}

	g.SetLocked(false, "", "launcher")
	if g.IsLocked() {
		t.Error("guard should be unlocked again")
	}
}
