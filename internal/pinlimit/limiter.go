// Package pinlimit guards the pairing handshake against PIN brute force with
// per-IP sliding windows and block escalation.
package pinlimit

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

var log = logging.L("pinlimit")

// Params holds the limiter knobs (PIN_* environment variables).
type Params struct {
	Window   time.Duration
	MaxFails int
	Block    time.Duration
	Stale    time.Duration
	MaxIPs   int
}

type entry struct {
	windowStart  time.Time
	fails        int
	blockedUntil time.Time
	lastTouch    time.Time
}

// Limiter tracks one counter per client IP. The LRU cache bounds total state
// at MaxIPs; housekeeping on each operation additionally drops entries whose
// lastTouch is older than Stale and that carry no active block.
type Limiter struct {
	mu     sync.Mutex
	params Params
	state  *lru.Cache[string, *entry]
}

func New(params Params) *Limiter {
	if params.MaxIPs < 1 {
		params.MaxIPs = 1024
	}
	cache, _ := lru.New[string, *entry](params.MaxIPs)
	return &Limiter{params: params, state: cache}
}

// SetParams swaps the limiter knobs after a config reload. Existing counters
// are kept; the IP cap is re-applied through a fresh cache.
func (l *Limiter) SetParams(params Params) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if params.MaxIPs < 1 {
		params.MaxIPs = 1024
	}
	if params.MaxIPs != l.params.MaxIPs {
		fresh, _ := lru.New[string, *entry](params.MaxIPs)
		for _, ip := range l.state.Keys() {
			if e, ok := l.state.Peek(ip); ok {
				fresh.Add(ip, e)
			}
		}
		l.state = fresh
	}
	l.params = params
}

// Check reports whether a handshake attempt from ip may proceed. When denied
// because of an active block, retryAfter carries the whole seconds remaining.
func (l *Limiter) Check(ip string, now time.Time) (allowed bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.housekeep(now)

	e, ok := l.state.Get(ip)
	if !ok {
		return true, 0
	}
	e.lastTouch = now

	if e.blockedUntil.After(now) {
		return false, ceilSeconds(e.blockedUntil.Sub(now))
	}
	if now.Sub(e.windowStart) > l.params.Window {
		e.windowStart = now
		e.fails = 0
		e.blockedUntil = time.Time{}
		return true, 0
	}
	if e.fails >= l.params.MaxFails {
		e.blockedUntil = now.Add(l.params.Block)
		log.Warn("pairing PIN blocked", logging.KeyRemoteIP, ip, "retryAfterS", ceilSeconds(l.params.Block))
		return false, ceilSeconds(l.params.Block)
	}
	return true, 0
}

// RecordFailure counts a wrong-code attempt from ip.
func (l *Limiter) RecordFailure(ip string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.housekeep(now)

	e, ok := l.state.Get(ip)
	if !ok || now.Sub(e.windowStart) > l.params.Window {
		e = &entry{windowStart: now}
		l.state.Add(ip, e)
	}
	e.lastTouch = now
	e.fails++
	if e.fails >= l.params.MaxFails {
		e.blockedUntil = now.Add(l.params.Block)
	}
}

// RecordSuccess drops the counter for ip after a correct code.
func (l *Limiter) RecordSuccess(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Remove(ip)
}

// Reset clears all limiter state (pairing code rotation, tests).
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Purge()
}

// TrackedIPs returns the number of IPs currently holding state.
func (l *Limiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Len()
}

// housekeep drops stale unblocked entries. The MaxIPs cap is enforced by the
// LRU cache itself. Caller holds l.mu.
func (l *Limiter) housekeep(now time.Time) {
	if l.params.Stale <= 0 {
		return
	}
	cutoff := now.Add(-l.params.Stale)
	for _, ip := range l.state.Keys() {
		e, ok := l.state.Peek(ip)
		if !ok {
			continue
		}
		if e.lastTouch.Before(cutoff) && !e.blockedUntil.After(now) {
			l.state.Remove(ip)
		}
	}
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
