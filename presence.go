package chatsync

import (
	"sync"
	"time"
)

// ============================================================================
// Presence
// ============================================================================

// PresenceTracker caches the online flag of peers. Entries are only ever
// overwritten by newer reports; nothing expires them.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]bool
}

// NewPresenceTracker creates a tracker that knows nobody.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]bool)}
}

// Merge applies a partial update. Peers absent from users keep their state.
func (p *PresenceTracker) Merge(users map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, on := range users {
		p.online[id] = on
	}
}

// Online returns the cached flag and whether the peer has been reported at all.
func (p *PresenceTracker) Online(peerID string) (online, known bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	online, known = p.online[peerID]
	return online, known
}

// Snapshot returns a copy of every cached entry.
func (p *PresenceTracker) Snapshot() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.online))
	for id, on := range p.online {
		out[id] = on
	}
	return out
}

// ============================================================================
// Typing
// ============================================================================

// TypingState is Idle when Typing is false, otherwise Typing since Since.
type TypingState struct {
	Typing bool
	Since  time.Time
}

// Idle is the zero TypingState.
var Idle = TypingState{}

// TypingStore tracks which peers are typing. With a zero ttl an entry lasts
// until the peer sends typing=false or a message; otherwise entries older
// than ttl read as Idle.
type TypingStore struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewTypingStore creates an empty store. A ttl of 0 keeps a peer typing
// until it is explicitly cleared.
func NewTypingStore(ttl time.Duration) *TypingStore {
	return &TypingStore{ttl: ttl, entries: make(map[string]time.Time)}
}

// Set records a typing signal received at now.
func (t *TypingStore) Set(peerID string, typing bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !typing {
		delete(t.entries, peerID)
		return
	}
	t.entries[peerID] = now
}

// State returns the peer's state as seen at now.
func (t *TypingStore) State(peerID string, now time.Time) TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	since, ok := t.entries[peerID]
	if !ok {
		return Idle
	}
	if t.ttl > 0 && now.Sub(since) >= t.ttl {
		delete(t.entries, peerID)
		return Idle
	}
	return TypingState{Typing: true, Since: since}
}

// Typing lists the peers currently typing as seen at now.
func (t *TypingStore) Typing(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, since := range t.entries {
		if t.ttl > 0 && now.Sub(since) >= t.ttl {
			continue
		}
		out = append(out, id)
	}
	return out
}
