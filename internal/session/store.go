package session

import (
	"context"
	"sync"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

var log = logging.L("session")

// Limits are the eviction knobs (SESSION_* environment variables). Zero
// values mean unlimited.
type Limits struct {
	TTL         time.Duration
	IdleTTL     time.Duration
	MaxSessions int
}

// DeleteHook is invoked after a session leaves the store, outside the store
// lock. The input socket hub subscribes to close the bound connection.
type DeleteHook func(token string)

// Store owns all sessions. Mutations are serialized behind a single mutex;
// persistence I/O runs outside the lock on a prepared snapshot.
type Store struct {
	mu      sync.Mutex
	active  map[string]*Session
	pending map[string]*Session
	limits  Limits
	file    string

	hooks   []DeleteHook
	persist func(snapshot persistedState)
	snapSeq uint64

	writeMu    sync.Mutex
	writtenSeq uint64

	now func() time.Time
}

// NewStore creates a store persisting approved sessions to file. An empty
// file path disables persistence.
func NewStore(file string, limits Limits) *Store {
	s := &Store{
		active:  make(map[string]*Session),
		pending: make(map[string]*Session),
		limits:  limits,
		file:    file,
		now:     time.Now,
	}
	s.persist = s.writeSnapshot
	return s
}

// OnDelete registers a hook fired for every session removal, including
// evictions and revoke-all. Hooks run outside the store lock.
func (s *Store) OnDelete(hook DeleteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// UsePersistQueue routes snapshot writes through submit instead of the
// calling goroutine. When submit rejects, the write happens inline so no
// mutation is ever lost; writeSnapshot's sequence check keeps out-of-order
// deliveries from regressing the file.
func (s *Store) UsePersistQueue(submit func(task func()) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = func(snapshot persistedState) {
		if !submit(func() { s.writeSnapshot(snapshot) }) {
			s.writeSnapshot(snapshot)
		}
	}
}

// Authorize creates (or re-issues) a session for a device and returns its
// token. A device that already holds a session keeps its settings and
// creation time but always receives a fresh token; the old token is dropped.
func (s *Store) Authorize(deviceID, deviceName, ip string, approved bool) string {
	var removed []string

	s.mu.Lock()
	now := s.now()
	nowTS := float64(now.UnixMilli()) / 1000

	sess := s.takeByDeviceIDLocked(deviceID)
	if sess == nil {
		sess = &Session{
			DeviceID:  deviceID,
			CreatedTS: nowTS,
			Settings:  make(map[string]any),
		}
	}
	sess.Token = newToken()
	sess.DeviceName = deviceName
	sess.IP = ip
	sess.LastSeenTS = nowTS
	sess.Approved = approved
	if s.limits.TTL > 0 {
		at := float64(now.Add(s.limits.TTL).UnixMilli()) / 1000
		sess.ExpiresAt = &at
	}

	if approved {
		removed = append(removed, s.enforceCapLocked()...)
		s.active[sess.Token] = sess
	} else {
		s.pending[sess.Token] = sess
	}
	removed = append(removed, s.sweepLocked(now)...)
	snapshot := s.snapshotLocked()
	token := sess.Token
	s.mu.Unlock()

	s.afterMutation(snapshot, removed)
	log.Info("session authorized",
		logging.KeyDevice, deviceID,
		logging.KeyRemoteIP, ip,
		"approved", approved,
	)
	return token
}

// Get returns a copy of the session for token, consulting the pending set
// only when includePending is set.
func (s *Store) Get(token string, includePending bool) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.active[token]; ok {
		return sess.clone(), true
	}
	if includePending {
		if sess, ok := s.pending[token]; ok {
			return sess.clone(), true
		}
	}
	return nil, false
}

// AllDevices returns copies of all approved sessions.
func (s *Store) AllDevices() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.active))
	for _, sess := range s.active {
		out = append(out, sess.clone())
	}
	return out
}

// PendingDevices returns copies of sessions awaiting approval.
func (s *Store) PendingDevices() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.pending))
	for _, sess := range s.pending {
		out = append(out, sess.clone())
	}
	return out
}

// ListTokens returns all live tokens.
func (s *Store) ListTokens(includePending bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active)+len(s.pending))
	for token := range s.active {
		out = append(out, token)
	}
	if includePending {
		for token := range s.pending {
			out = append(out, token)
		}
	}
	return out
}

// FindTokenByDeviceID returns the token currently held by a device.
func (s *Store) FindTokenByDeviceID(deviceID string, includePending bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, sess := range s.active {
		if sess.DeviceID == deviceID {
			return token, true
		}
	}
	if includePending {
		for token, sess := range s.pending {
			if sess.DeviceID == deviceID {
				return token, true
			}
		}
	}
	return "", false
}

// UpdateSettings shallow-merges patch into the session settings. Nil values
// delete keys. Returns a clone of the updated session, or false for unknown
// tokens; callers use the clone instead of re-reading, which could race with
// a concurrent delete.
func (s *Store) UpdateSettings(token string, patch map[string]any) (*Session, bool) {
	s.mu.Lock()
	sess := s.lookupLocked(token)
	if sess == nil {
		s.mu.Unlock()
		return nil, false
	}
	for k, v := range patch {
		if v == nil {
			delete(sess.Settings, k)
		} else {
			sess.Settings[k] = v
		}
	}
	updated := sess.clone()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.afterMutation(snapshot, nil)
	return updated, true
}

// SetApproved moves a session between the pending and active sets. Event
// emission is the caller's concern.
func (s *Store) SetApproved(token string, approved bool) bool {
	var removed []string

	s.mu.Lock()
	sess := s.lookupLocked(token)
	if sess == nil {
		s.mu.Unlock()
		return false
	}
	delete(s.active, token)
	delete(s.pending, token)
	sess.Approved = approved
	if approved {
		removed = s.enforceCapLocked()
		s.active[token] = sess
	} else {
		s.pending[token] = sess
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.afterMutation(snapshot, removed)
	return true
}

// Touch refreshes last_seen_ts. Called on every valid input-socket frame and
// on authenticated API requests.
func (s *Store) Touch(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.lookupLocked(token); sess != nil {
		sess.LastSeenTS = float64(s.now().UnixMilli()) / 1000
	}
}

// Delete removes a session from both sets. Delete hooks fire afterwards so
// the input socket hub can close the bound connection.
func (s *Store) Delete(token string) bool {
	s.mu.Lock()
	_, inActive := s.active[token]
	_, inPending := s.pending[token]
	if !inActive && !inPending {
		s.mu.Unlock()
		return false
	}
	delete(s.active, token)
	delete(s.pending, token)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.afterMutation(snapshot, []string{token})
	return true
}

// DeleteByDeviceID removes whatever session a device holds.
func (s *Store) DeleteByDeviceID(deviceID string) bool {
	token, ok := s.FindTokenByDeviceID(deviceID, true)
	if !ok {
		return false
	}
	return s.Delete(token)
}

// RevokeAll deletes every session except keepToken and returns the count of
// revoked sessions.
func (s *Store) RevokeAll(keepToken string) int {
	s.mu.Lock()
	var removed []string
	for token := range s.active {
		if token != keepToken {
			delete(s.active, token)
			removed = append(removed, token)
		}
	}
	for token := range s.pending {
		if token != keepToken {
			delete(s.pending, token)
			removed = append(removed, token)
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.afterMutation(snapshot, removed)
	log.Info("sessions revoked", "count", len(removed), "kept", keepToken != "")
	return len(removed)
}

// Counts returns (approved, pending) session counts.
func (s *Store) Counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), len(s.pending)
}

// StartSweeper evicts expired sessions on a timer until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Sweep removes sessions past their TTL or idle horizon.
func (s *Store) Sweep() int {
	s.mu.Lock()
	removed := s.sweepLocked(s.now())
	var snapshot persistedState
	if len(removed) > 0 {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.afterMutation(snapshot, removed)
		log.Info("sessions expired", "count", len(removed))
	}
	return len(removed)
}

// --- internals, caller holds s.mu ---

func (s *Store) lookupLocked(token string) *Session {
	if sess, ok := s.active[token]; ok {
		return sess
	}
	if sess, ok := s.pending[token]; ok {
		return sess
	}
	return nil
}

func (s *Store) takeByDeviceIDLocked(deviceID string) *Session {
	for token, sess := range s.active {
		if sess.DeviceID == deviceID {
			delete(s.active, token)
			return sess
		}
	}
	for token, sess := range s.pending {
		if sess.DeviceID == deviceID {
			delete(s.pending, token)
			return sess
		}
	}
	return nil
}

// enforceCapLocked makes room for one more approved session by evicting the
// longest-idle approved sessions. Returns evicted tokens.
func (s *Store) enforceCapLocked() []string {
	if s.limits.MaxSessions <= 0 {
		return nil
	}
	var removed []string
	for len(s.active) >= s.limits.MaxSessions {
		oldest := ""
		oldestSeen := 0.0
		for token, sess := range s.active {
			if oldest == "" || sess.LastSeenTS < oldestSeen {
				oldest = token
				oldestSeen = sess.LastSeenTS
			}
		}
		if oldest == "" {
			break
		}
		delete(s.active, oldest)
		removed = append(removed, oldest)
	}
	return removed
}

func (s *Store) sweepLocked(now time.Time) []string {
	nowTS := float64(now.UnixMilli()) / 1000
	var removed []string
	for _, set := range []map[string]*Session{s.active, s.pending} {
		for token, sess := range set {
			if s.expiredLocked(sess, nowTS) {
				delete(set, token)
				removed = append(removed, token)
			}
		}
	}
	return removed
}

func (s *Store) expiredLocked(sess *Session, nowTS float64) bool {
	if s.limits.TTL > 0 && nowTS-sess.CreatedTS > s.limits.TTL.Seconds() {
		return true
	}
	if s.limits.IdleTTL > 0 && nowTS-sess.LastSeenTS > s.limits.IdleTTL.Seconds() {
		return true
	}
	return false
}

// afterMutation persists the prepared snapshot and fires delete hooks, both
// outside the store lock.
func (s *Store) afterMutation(snapshot persistedState, removed []string) {
	if s.file != "" {
		s.persist(snapshot)
	}
	if len(removed) == 0 {
		return
	}
	s.mu.Lock()
	hooks := make([]DeleteHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, token := range removed {
		for _, hook := range hooks {
			hook(token)
		}
	}
}
