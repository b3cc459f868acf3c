// Package pairing owns the 4-digit pairing code and the one-shot QR tokens
// that substitute for it.
package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

var log = logging.L("pairing")

// Meta is the pairing state exposed to the launcher and echoed on handshake.
type Meta struct {
	PairingCode      string   `json:"pairing_code"`
	PairingExpiresAt *float64 `json:"pairing_expires_at"`
	PairingExpiresIn *int     `json:"pairing_expires_in_s"`
	PairingTTLS      int      `json:"pairing_ttl_s"`
	PairingSingleUse bool     `json:"pairing_single_use"`
}

// State holds the current pairing code. TTL of zero means the code never
// expires on its own.
type State struct {
	mu        sync.Mutex
	code      string
	expiresAt time.Time
	ttl       time.Duration
	singleUse bool
}

func NewState(initialCode string, ttl time.Duration, singleUse bool) *State {
	s := &State{ttl: ttl, singleUse: singleUse}
	if initialCode != "" {
		s.code = initialCode
		if ttl > 0 {
			s.expiresAt = time.Now().Add(ttl)
		}
	} else {
		s.rotateLocked(time.Now())
	}
	return s
}

// Rotate atomically replaces the code and refreshes its expiry. Returns the
// new code.
func (s *State) Rotate(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked(now)
	log.Info("pairing code rotated")
	return s.code
}

func (s *State) rotateLocked(now time.Time) {
	s.code = randomCode()
	if s.ttl > 0 {
		s.expiresAt = now.Add(s.ttl)
	} else {
		s.expiresAt = time.Time{}
	}
}

// Verify reports whether the supplied code matches and the current code is
// still live.
func (s *State) Verify(code string, now time.Time) (ok bool, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expiresAt.IsZero() && now.After(s.expiresAt) {
		return false, true
	}
	return code != "" && code == s.code, false
}

// SingleUse reports whether a successful handshake must rotate the code.
func (s *State) SingleUse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singleUse
}

// Meta returns the pairing metadata block.
func (s *State) Meta(now time.Time) Meta {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Meta{
		PairingCode:      s.code,
		PairingTTLS:      int(s.ttl.Seconds()),
		PairingSingleUse: s.singleUse,
	}
	if !s.expiresAt.IsZero() {
		at := float64(s.expiresAt.UnixMilli()) / 1000
		in := int(s.expiresAt.Sub(now).Seconds())
		if in < 0 {
			in = 0
		}
		m.PairingExpiresAt = &at
		m.PairingExpiresIn = &in
	}
	return m
}

// randomCode draws a 4-digit code from a cryptographic source.
func randomCode() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is unrecoverable for a security token.
		panic(fmt.Sprintf("pairing: random source unavailable: %v", err))
	}
	n := binary.BigEndian.Uint64(buf[:]) % 10000
	return fmt.Sprintf("%04d", n)
}

// NewToken returns a 128-bit URL-safe opaque token.
func NewToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("pairing: random source unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
