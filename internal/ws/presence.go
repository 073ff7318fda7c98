package ws

import (
	"sync"
	"time"
)

type presenceEntry struct {
	lastSeen  time.Time
	lastFlush time.Time
}

// PresenceTracker holds the in-memory last-seen watermark per identity. The
// durable mirror in the user store is written lazily; this map is the source
// of truth for the online predicate.
type PresenceTracker struct {
	mu      sync.Mutex
	entries map[string]*presenceEntry
	window  time.Duration
}

func NewPresenceTracker(window time.Duration) *PresenceTracker {
	return &PresenceTracker{
		entries: make(map[string]*presenceEntry),
		window:  window,
	}
}

// Touch records activity for an identity.
func (t *PresenceTracker) Touch(userID string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		e = &presenceEntry{}
		t.entries[userID] = e
	}
	e.lastSeen = now
}

// TouchDebounced records activity and reports whether the durable mirror is
// due for a write (at most once per flush interval per identity).
func (t *PresenceTracker) TouchDebounced(userID string, flushEvery time.Duration) bool {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		e = &presenceEntry{}
		t.entries[userID] = e
	}
	e.lastSeen = now

	if now.Sub(e.lastFlush) < flushEvery {
		return false
	}
	e.lastFlush = now
	return true
}

// Fresh reports whether the identity's last-seen watermark is inside the
// freshness window.
func (t *PresenceTracker) Fresh(userID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		return false
	}
	return now.Sub(e.lastSeen) < t.window
}

// LastSeen returns the watermark, zero time if the identity was never seen.
func (t *PresenceTracker) LastSeen(userID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[userID]; ok {
		return e.lastSeen
	}
	return time.Time{}
}
