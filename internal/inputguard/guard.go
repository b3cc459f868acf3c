// Package inputguard holds the process-wide remote input lock. When locked,
// the input socket drops pointer, keyboard and text events but keeps serving
// heartbeats and permission changes.
package inputguard

import (
	"sync"
	"time"
)

// Snapshot is an immutable view of the lock state.
type Snapshot struct {
	Locked    bool    `json:"locked"`
	Reason    string  `json:"reason"`
	Actor     string  `json:"actor"`
	UpdatedTS float64 `json:"updated_ts"`
}

// Guard serializes lock transitions.
type Guard struct {
	mu   sync.RWMutex
	snap Snapshot
}

func New() *Guard {
	return &Guard{}
}

// SetLocked transitions the lock and returns the new snapshot.
func (g *Guard) SetLocked(locked bool, reason, actor string) Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snap = Snapshot{
		Locked:    locked,
		Reason:    reason,
		Actor:     actor,
		UpdatedTS: float64(time.Now().UnixMilli()) / 1000,
	}
	return g.snap
}

// IsLocked reports whether remote input is currently blocked.
func (g *Guard) IsLocked() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap.Locked
}

// Snapshot returns the current lock state.
func (g *Guard) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}
