package stream

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const defaultTicketTTL = 60 * time.Second

// TicketStore mints the short-lived credentials embedded in stream candidate
// URLs. Players fetch those URLs without headers, so the URL itself must
// authenticate; a ticket stands in for the session token there and expires
// quickly, keeping the long-lived token out of URLs and logs while the
// query-token policy stays closed.
type TicketStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	tickets map[string]ticket
	now     func() time.Time
}

type ticket struct {
	sessionToken string
	expiresAt    time.Time
}

// NewTicketStore builds a store. ttl of zero uses the default lifetime.
func NewTicketStore(ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	return &TicketStore{
		ttl:     ttl,
		tickets: make(map[string]ticket),
		now:     time.Now,
	}
}

// Issue mints a ticket bound to the session token.
func (t *TicketStore) Issue(sessionToken string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.purgeLocked(now)

	tk := newTicket()
	t.tickets[tk] = ticket{
		sessionToken: sessionToken,
		expiresAt:    now.Add(t.ttl),
	}
	return tk
}

// Redeem resolves a live ticket to its session token. Tickets stay valid
// until expiry so a player can walk the candidate list and reconnect within
// the window.
func (t *TicketStore) Redeem(tk string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.purgeLocked(now)

	entry, ok := t.tickets[tk]
	if !ok || now.After(entry.expiresAt) {
		return "", false
	}
	return entry.sessionToken, true
}

func (t *TicketStore) purgeLocked(now time.Time) {
	for tk, entry := range t.tickets {
		if now.After(entry.expiresAt) {
			delete(t.tickets, tk)
		}
	}
}

func newTicket() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("stream: random source unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
