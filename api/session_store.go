package api

import (
	"time"

	"github.com/jmcleod/agencyportal/internal/util"
)

// SessionKind distinguishes the two session cookies.
type SessionKind string

const (
	SessionAdmin   SessionKind = "admin"
	SessionCreator SessionKind = "creator"
)

// SessionStore records which backend-issued tokens this portal handed
// out, so "is there a valid admin session" can be answered without a
// backend round trip. Entries are keyed by a fingerprint of the token,
// never the token itself.
type SessionStore interface {
	// Get returns the session for key. False if missing or expired.
	Get(key string) (Session, bool)
	Put(key string, session Session)
	Delete(key string)
}

// Session is a registry entry.
type Session struct {
	Kind      SessionKind `json:"kind"`
	Subject   string      `json:"subject,omitempty"`
	Name      string      `json:"name,omitempty"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// sessionKey is the registry key for a bearer token.
func sessionKey(token string) string {
	return util.Fingerprint(token)
}
