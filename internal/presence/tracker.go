// Package presence derives per-user online state from normalized
// join, leave and status events.
//
// No event carries a sequence number, so the last applied event wins.
// Entries survive reconnects: a stale entry persists until the next
// event for that user corrects it.
package presence

import (
	"strings"
	"sync"

	"github.com/tradepost/chatsync/internal/events"
)

// Tracker holds one PresenceEntry per known peer, keyed by normalized
// user id. It is safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	online    map[string]bool // normalized user_id -> is online
	listeners map[int]func(userID string, online bool)
	nextID    int
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		online:    make(map[string]bool),
		listeners: make(map[int]func(string, bool)),
	}
}

// Apply folds a presence event into the tracker and reports whether the
// stored state changed. Events of other kinds are ignored.
func (t *Tracker) Apply(ev events.Event) bool {
	var (
		userID string
		online bool
	)
	switch e := ev.(type) {
	case events.UserJoined:
		userID, online = e.UserID, true
	case events.UserLeft:
		userID, online = e.UserID, false
	case events.UserStatusChanged:
		userID, online = e.UserID, e.Online
	default:
		return false
	}
	return t.set(userID, online)
}

// Set records a user's state directly, for sources outside the event
// stream such as a conversation list's online flags.
func (t *Tracker) Set(userID string, online bool) bool {
	return t.set(userID, online)
}

func (t *Tracker) set(userID string, online bool) bool {
	key := normalize(userID)
	if key == "" {
		return false
	}

	t.mu.Lock()
	prev, known := t.online[key]
	if known && prev == online {
		t.mu.Unlock()
		return false
	}
	t.online[key] = online
	listeners := t.snapshotListeners()
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(key, online)
	}
	return true
}

// IsOnline reports whether the user was last seen online. Unknown users
// are offline. The lookup ignores case and surrounding whitespace.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[normalize(userID)]
}

// Known reports whether any event has been applied for the user.
func (t *Tracker) Known(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[normalize(userID)]
	return ok
}

// Snapshot returns a copy of every entry.
func (t *Tracker) Snapshot() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]bool, len(t.online))
	for id, online := range t.online {
		out[id] = online
	}
	return out
}

// Restore merges previously saved entries. Entries already present win,
// since they came from live events newer than any saved snapshot.
// Listeners are not notified.
func (t *Tracker) Restore(entries map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, online := range entries {
		key := normalize(id)
		if key == "" {
			continue
		}
		if _, ok := t.online[key]; !ok {
			t.online[key] = online
		}
	}
}

// OnChange registers fn to be called after every state change. The
// returned function removes the listener.
func (t *Tracker) OnChange(fn func(userID string, online bool)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// snapshotListeners must be called with t.mu held.
func (t *Tracker) snapshotListeners() []func(string, bool) {
	out := make([]func(string, bool), 0, len(t.listeners))
	for _, fn := range t.listeners {
		out = append(out, fn)
	}
	return out
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
