package auth

import (
	"fmt"
	"testing"
	"time"
)

func liveSession(hash string, ttl time.Duration) Session {
	now := time.Now().UTC()
	return Session{
		TokenHash:  hash,
		LastActive: now,
		ExpiresAt:  now.Add(ttl),
	}
}

func TestPruneSessions(t *testing.T) {
	u := &User{Sessions: []Session{
		liveSession("live-1", time.Hour),
		liveSession("expired-1", -time.Minute),
		liveSession("live-2", time.Hour),
		liveSession("expired-2", -time.Hour),
	}}

	dropped := u.PruneSessions(time.Now().UTC())
	if dropped != 2 {
		t.Errorf("expected 2 sessions pruned, got %d", dropped)
	}
	if len(u.Sessions) != 2 {
		t.Fatalf("expected 2 sessions left, got %d", len(u.Sessions))
	}
	if u.Sessions[0].TokenHash != "live-1" || u.Sessions[1].TokenHash != "live-2" {
		t.Error("pruning must preserve insertion order of live sessions")
	}
}

func TestAddSession_EvictsOldestAtCap(t *testing.T) {
	u := &User{}
	for i := 0; i < 6; i++ {
		u.AddSession(liveSession(fmt.Sprintf("hash-%d", i), time.Hour), 5)
	}

	if len(u.Sessions) != 5 {
		t.Fatalf("expected 5 sessions, got %d", len(u.Sessions))
	}
	// hash-0 was the oldest and is gone; order of the rest is preserved.
	for i, s := range u.Sessions {
		expected := fmt.Sprintf("hash-%d", i+1)
		if s.TokenHash != expected {
			t.Errorf("slot %d: expected %s, got %s", i, expected, s.TokenHash)
		}
	}
}

func TestAddSession_PrefersEvictingExpired(t *testing.T) {
	u := &User{Sessions: []Session{
		liveSession("expired", -time.Minute),
		liveSession("live-1", time.Hour),
	}}

	u.AddSession(liveSession("live-2", time.Hour), 2)

	if len(u.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(u.Sessions))
	}
	// The expired entry made room; live-1 survives.
	if u.Sessions[0].TokenHash != "live-1" || u.Sessions[1].TokenHash != "live-2" {
		t.Errorf("expected [live-1 live-2], got [%s %s]",
			u.Sessions[0].TokenHash, u.Sessions[1].TokenHash)
	}
}

func TestSessionByTokenHash_IgnoresExpired(t *testing.T) {
	now := time.Now().UTC()
	u := &User{Sessions: []Session{
		liveSession("stale", -time.Minute),
		liveSession("fresh", time.Hour),
	}}

	if u.SessionByTokenHash("stale", now) != nil {
		t.Error("an expired session must never match")
	}
	if u.SessionByTokenHash("fresh", now) == nil {
		t.Error("a live session must match")
	}
	if u.SessionByTokenHash("unknown", now) != nil {
		t.Error("an unknown hash must not match")
	}
}

func TestRemoveSessionByTokenHash(t *testing.T) {
	u := &User{Sessions: []Session{
		liveSession("a", time.Hour),
		liveSession("b", time.Hour),
		liveSession("c", time.Hour),
	}}

	if !u.RemoveSessionByTokenHash("b") {
		t.Fatal("expected removal to report success")
	}
	if len(u.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(u.Sessions))
	}
	if u.Sessions[0].TokenHash != "a" || u.Sessions[1].TokenHash != "c" {
		t.Error("removal must preserve the order of the others")
	}

	if u.RemoveSessionByTokenHash("nope") {
		t.Error("removing an unknown hash must report false")
	}
}
