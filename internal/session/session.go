// Package session holds the authoritative token-to-session map, its
// persistence, and the approval queue.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Session is the server-side state for one paired device. Instances handed
// out by the Store are copies; all mutation goes through Store operations.
type Session struct {
	Token      string         `json:"-"`
	DeviceID   string         `json:"device_id"`
	DeviceName string         `json:"device_name"`
	IP         string         `json:"ip"`
	CreatedTS  float64        `json:"created_ts"`
	LastSeenTS float64        `json:"last_seen_ts"`
	ExpiresAt  *float64       `json:"expires_at,omitempty"`
	Approved   bool           `json:"approved"`
	Settings   map[string]any `json:"settings"`
}

// Permission keys stored in Session.Settings.
const (
	PermMouse    = "perm_mouse"
	PermKeyboard = "perm_keyboard"
	PermUpload   = "perm_upload"
	PermFileSend = "perm_file_send"
	PermStream   = "perm_stream"
	PermPower    = "perm_power"
)

// Transfer profile keys stored in Session.Settings.
const (
	SettingTransferPreset = "transfer_preset"
	SettingTransferChunk  = "transfer_chunk"
	SettingTransferSleep  = "transfer_sleep"
	SettingAlias          = "alias"
	SettingNote           = "note"
)

// PermDefault returns the default for a permission key: everything is granted
// except power actions.
func PermDefault(key string) bool {
	return key != PermPower
}

// Perm resolves the effective permission value for this session.
func (s *Session) Perm(key string) bool {
	if s == nil {
		return false
	}
	return CoerceBool(s.Settings[key], PermDefault(key))
}

// DisplayName prefers the operator-set alias over the client-supplied name.
func (s *Session) DisplayName() string {
	if alias, ok := s.Settings[SettingAlias].(string); ok && alias != "" {
		return alias
	}
	return s.DeviceName
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Settings = make(map[string]any, len(s.Settings))
	for k, v := range s.Settings {
		cp.Settings[k] = v
	}
	if s.ExpiresAt != nil {
		at := *s.ExpiresAt
		cp.ExpiresAt = &at
	}
	return &cp
}

// newToken returns a 128-bit URL-safe session token.
func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("session: random source unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
