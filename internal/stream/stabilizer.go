// Package stream negotiates video backends, stabilizes stream width per
// client, and serves MJPEG and MPEG-TS over HTTP.
package stream

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// StabilizerParams are the width-adjustment knobs from configuration.
type StabilizerParams struct {
	Ladder     []int
	MinSwitch  time.Duration
	Hysteresis float64
	Floor      int
}

type widthState struct {
	current    int
	lastSwitch time.Time
}

// Stabilizer keeps one width state per token so a jittery client does not
// cause the stream to flap between resolutions.
type Stabilizer struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *widthState]
	now   func() time.Time
}

// NewStabilizer tracks up to maxTokens clients, evicting least-recent ones.
func NewStabilizer(maxTokens int) *Stabilizer {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	cache, err := lru.New[string, *widthState](maxTokens)
	if err != nil {
		panic(err)
	}
	return &Stabilizer{cache: cache, now: time.Now}
}

// Resolve maps a measured client width to the stream width. The measured
// width snaps to the nearest ladder entry at or below it; switches obey the
// hysteresis ratio and minimum-interval rules. belowFloor permits widths
// under the configured floor when the client asked for them explicitly.
func (s *Stabilizer) Resolve(token string, measured int, belowFloor bool, p StabilizerParams) int {
	candidate := snapToLadder(p.Ladder, measured)
	if candidate < p.Floor && !belowFloor {
		candidate = snapToLadder(p.Ladder, p.Floor)
		if candidate < p.Floor {
			candidate = p.Floor
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	state, ok := s.cache.Get(token)
	if !ok {
		s.cache.Add(token, &widthState{current: candidate, lastSwitch: now})
		return candidate
	}
	if candidate == state.current {
		return state.current
	}

	elapsed := now.Sub(state.lastSwitch)
	switch {
	case candidate < state.current:
		drop := float64(state.current-candidate) / float64(state.current)
		if drop >= p.Hysteresis || elapsed >= p.MinSwitch {
			state.current = candidate
			state.lastSwitch = now
		}
	default:
		if elapsed >= p.MinSwitch {
			state.current = candidate
			state.lastSwitch = now
		}
	}
	return state.current
}

// Forget drops the width state for a token, typically on session deletion.
func (s *Stabilizer) Forget(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(token)
}

// snapToLadder returns the largest ladder entry at or below w, or the
// smallest entry when w undercuts the whole ladder.
func snapToLadder(ladder []int, w int) int {
	if len(ladder) == 0 {
		return w
	}
	best := 0
	for _, entry := range ladder {
		if entry <= w && entry > best {
			best = entry
		}
	}
	if best == 0 {
		best = ladder[0]
		for _, entry := range ladder {
			if entry < best {
				best = entry
			}
		}
	}
	return best
}
