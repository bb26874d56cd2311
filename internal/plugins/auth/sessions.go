package auth

import (
	"time"
)

// Session-ledger operations on the user record. These are pure in-memory
// mutations; persistence happens through the version-checked Save so two
// concurrent logins cannot silently drop each other's sessions.

// PruneSessions removes every expired session and returns how many were
// dropped. Called lazily on every ledger read -- expired entries are inert
// either way (validation checks ExpiresAt), pruning just keeps the list
// small.
func (u *User) PruneSessions(now time.Time) int {
	kept := u.Sessions[:0]
	for _, s := range u.Sessions {
		if s.ExpiresAt.After(now) {
			kept = append(kept, s)
		}
	}
	dropped := len(u.Sessions) - len(kept)
	u.Sessions = kept
	return dropped
}

// AddSession appends a session, evicting expired entries first and then the
// oldest live one if the ledger is at capacity. The list is insertion
// ordered, so index 0 is always the oldest.
func (u *User) AddSession(s Session, maxSessions int) {
	u.PruneSessions(time.Now().UTC())
	for len(u.Sessions) >= maxSessions && len(u.Sessions) > 0 {
		u.Sessions = u.Sessions[1:]
	}
	u.Sessions = append(u.Sessions, s)
}

// SessionByTokenHash returns the live session matching the hashed bearer
// token, or nil. Expired entries never match.
func (u *User) SessionByTokenHash(hash string, now time.Time) *Session {
	for i := range u.Sessions {
		s := &u.Sessions[i]
		if s.TokenHash == hash && s.ExpiresAt.After(now) {
			return s
		}
	}
	return nil
}

// RemoveSessionByTokenHash deletes the session matching the hashed token.
// Returns false if no session matched.
func (u *User) RemoveSessionByTokenHash(hash string) bool {
	for i := range u.Sessions {
		if u.Sessions[i].TokenHash == hash {
			u.Sessions = append(u.Sessions[:i], u.Sessions[i+1:]...)
			return true
		}
	}
	return false
}

// ClearSessions drops every session. Used on password reset for a forced
// logout everywhere.
func (u *User) ClearSessions() {
	u.Sessions = nil
}

// newSession builds a session record for a freshly minted bearer token.
func newSession(rawToken string, obs Observation, ttl time.Duration, unverified bool) Session {
	now := time.Now().UTC()
	return Session{
		TokenHash:  HashToken(rawToken),
		Device:     obs.Device,
		IPAddress:  obs.IPAddress,
		LastActive: now,
		ExpiresAt:  now.Add(ttl),
		Unverified: unverified,
	}
}
