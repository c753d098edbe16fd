// Package session provides user session storage on top of the cache pool.
package session

import (
	"time"
)

// Session is one user session. The caller owns turn serialization within a
// session; the store only guarantees ExpiresAt > LastActivity.
type Session struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	DeviceInfo   string         `json:"device_info,omitempty"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	LastActivity time.Time      `json:"last_activity"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Context      map[string]any `json:"context"`
}

// Active reports whether the session has not yet expired.
func (s *Session) Active(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// touch bumps activity and pushes expiry forward by the session TTL.
func (s *Session) touch(now time.Time, ttl time.Duration) {
	s.LastActivity = now
	s.ExpiresAt = now.Add(ttl)
}
