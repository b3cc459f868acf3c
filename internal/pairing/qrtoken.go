package pairing

import (
	"sync"
	"time"
)

// QRStore issues one-shot login tokens with a TTL. Consume returns true for a
// live token exactly once; expired tokens are lazily purged on access.
type QRStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]time.Time
}

func NewQRStore(ttl time.Duration) *QRStore {
	return &QRStore{
		ttl:    ttl,
		tokens: make(map[string]time.Time),
	}
}

// Issue stores and returns a fresh token.
func (q *QRStore) Issue() string {
	token := NewToken()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeLocked(time.Now())
	q.tokens[token] = time.Now().Add(q.ttl)
	return token
}

// Consume removes the token and reports whether it was live. Concurrent
// callers are serialized; exactly one wins.
func (q *QRStore) Consume(token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.purgeLocked(now)

	expiresAt, ok := q.tokens[token]
	if !ok {
		return false
	}
	delete(q.tokens, token)
	return expiresAt.After(now)
}

// Pending returns the number of unexpired tokens.
func (q *QRStore) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeLocked(time.Now())
	return len(q.tokens)
}

func (q *QRStore) purgeLocked(now time.Time) {
	for token, expiresAt := range q.tokens {
		if !expiresAt.After(now) {
			delete(q.tokens, token)
		}
	}
}
