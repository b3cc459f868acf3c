// Package auth resolves request tokens to sessions and enforces the
// per-device permission model.
package auth

import (
	"net/http"
	"strings"

	"github.com/Overl1te/CyberDeck-sub000/internal/session"
)

// TokenFromRequest extracts the session token: the Authorization header is
// always honored, the token query parameter only when allowQuery is set.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(header[len("Bearer "):]); token != "" {
			return token
		}
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// Authenticator binds the session store to request handling.
type Authenticator struct {
	store      *session.Store
	allowQuery func() bool
}

// New builds an authenticator. allowQuery is read per request so a config
// reload takes effect without restarting.
func New(store *session.Store, allowQuery func() bool) *Authenticator {
	return &Authenticator{store: store, allowQuery: allowQuery}
}

// Require resolves the request to an approved session, refreshing its
// last-seen timestamp. includePending admits unapproved sessions, which only
// the pairing-status path wants.
func (a *Authenticator) Require(r *http.Request, includePending bool) (*session.Session, error) {
	token := TokenFromRequest(r, a.allowQuery())
	if token == "" {
		return nil, ErrUnauthorized
	}
	sess, ok := a.store.Get(token, includePending)
	if !ok {
		return nil, ErrUnauthorized
	}
	a.store.Touch(token)
	return sess, nil
}

// RequirePerm rejects the session when the effective permission is off.
func RequirePerm(sess *session.Session, key string) error {
	if !sess.Perm(key) {
		return PermissionDenied(key)
	}
	return nil
}
