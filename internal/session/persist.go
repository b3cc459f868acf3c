package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

const persistVersion = 1

// persistedState is the on-disk layout of SESSION_FILE. Only approved
// sessions are written; pending devices do not survive a restart. seq orders
// snapshots so a write arriving late never replaces a newer one on disk.
type persistedState struct {
	Version int                 `json:"version"`
	Tokens  map[string]*Session `json:"tokens"`

	seq uint64 `json:"-"`
}

// snapshotLocked prepares the persistence payload. Caller holds s.mu.
func (s *Store) snapshotLocked() persistedState {
	s.snapSeq++
	state := persistedState{
		Version: persistVersion,
		Tokens:  make(map[string]*Session, len(s.active)),
		seq:     s.snapSeq,
	}
	for token, sess := range s.active {
		state.Tokens[token] = sess.clone()
	}
	return state
}

// writeSnapshot writes the state via temp-file + rename so a crash never
// leaves a torn session file. Snapshots may arrive on any goroutine; the
// sequence check drops any that a newer write has already superseded.
func (s *Store) writeSnapshot(state persistedState) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if state.seq <= s.writtenSeq {
		return
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Error("marshal session file failed", logging.KeyError, err)
		return
	}

	dir := filepath.Dir(s.file)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Error("create session dir failed", logging.KeyError, err)
		return
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.file)+".tmp-*")
	if err != nil {
		log.Error("create session temp file failed", logging.KeyError, err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		log.Error("write session file failed", logging.KeyError, err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		log.Error("close session temp file failed", logging.KeyError, err)
		return
	}
	if err := os.Rename(tmpName, s.file); err != nil {
		os.Remove(tmpName)
		log.Error("replace session file failed", logging.KeyError, err)
		return
	}
	s.writtenSeq = state.seq
}

// Load reads SESSION_FILE, drops sessions already past their TTL or idle
// horizon, and installs the rest as the approved set. A missing file is not
// an error.
func (s *Store) Load() error {
	if s.file == "" {
		return nil
	}
	data, err := os.ReadFile(s.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read session file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse session file: %w", err)
	}

	nowTS := float64(time.Now().UnixMilli()) / 1000
	loaded, dropped := 0, 0

	s.mu.Lock()
	for token, sess := range state.Tokens {
		if token == "" || sess == nil {
			continue
		}
		sess.Token = token
		sess.Approved = true
		if sess.Settings == nil {
			sess.Settings = make(map[string]any)
		}
		if s.expiredLocked(sess, nowTS) {
			dropped++
			continue
		}
		s.active[token] = sess
		loaded++
	}
	s.mu.Unlock()

	log.Info("sessions loaded", "count", loaded, "expired", dropped)
	return nil
}
