// Package eventbus is the bounded in-memory feed of management events the
// launcher polls over the loopback API.
package eventbus

import (
	"sync"
	"time"
)

const (
	ringSize     = 512
	defaultLimit = 100
	maxLimit     = 500
)

// Event is a single management event. IDs are monotonically increasing and
// never reused for the lifetime of the process.
type Event struct {
	ID      uint64         `json:"id"`
	TS      float64        `json:"ts"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Bus is a fixed-capacity ring of events. Readers never block writers.
type Bus struct {
	mu     sync.RWMutex
	ring   [ringSize]Event
	nextID uint64
	count  int
}

func New() *Bus {
	return &Bus{}
}

// Emit appends an event and returns its assigned id.
func (b *Bus) Emit(eventType, title, message string, payload map[string]any) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ev := Event{
		ID:      b.nextID,
		TS:      float64(time.Now().UnixMilli()) / 1000,
		Type:    eventType,
		Title:   title,
		Message: message,
		Payload: payload,
	}
	b.ring[(b.nextID-1)%ringSize] = ev
	if b.count < ringSize {
		b.count++
	}
	return ev.ID
}

// ListAfter returns up to limit events with id > lastID, oldest first, plus
// the latest assigned id. Limit is clamped to 1..500.
func (b *Bus) ListAfter(lastID uint64, limit int) ([]Event, uint64) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]Event, 0, limit)
	if b.count == 0 {
		return events, b.nextID
	}

	oldest := b.nextID - uint64(b.count) + 1
	start := lastID + 1
	if start < oldest {
		start = oldest
	}
	for id := start; id <= b.nextID && len(events) < limit; id++ {
		events = append(events, b.ring[(id-1)%ringSize])
	}
	return events, b.nextID
}

// LatestID returns the most recently assigned event id (0 if none).
func (b *Bus) LatestID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextID
}
