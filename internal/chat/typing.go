package chat

import (
	"sync"
	"time"

	"listenalong/internal/event"
)

// TypingUser is one entry in a room's ephemeral typing set.
type TypingUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// TypingTracker debounces typing indicators. Entries are a set keyed by user
// id, expire after an inactivity timeout or an explicit stop, and never
// survive a restart. Broadcasts always exclude the typer so a client never
// sees itself as typing.
type TypingTracker struct {
	broadcaster Broadcaster
	timeout     time.Duration

	mu    sync.Mutex
	rooms map[string]map[string]*typingEntry
}

type typingEntry struct {
	user  TypingUser
	timer *time.Timer
}

// NewTypingTracker creates a tracker with the given inactivity timeout.
func NewTypingTracker(broadcaster Broadcaster, timeout time.Duration) *TypingTracker {
	return &TypingTracker{
		broadcaster: broadcaster,
		timeout:     timeout,
		rooms:       make(map[string]map[string]*typingEntry),
	}
}

// Start marks a user as typing and (re)arms their inactivity timer. Adding
// an already-typing user only resets the timer; the set never holds
// duplicates.
func (t *TypingTracker) Start(roomID, userID, displayName string) {
	t.mu.Lock()

	entries, ok := t.rooms[roomID]
	if !ok {
		entries = make(map[string]*typingEntry)
		t.rooms[roomID] = entries
	}

	fresh := false
	entry, ok := entries[userID]
	switch {
	case !ok:
		fresh = true
		entry = t.newEntry(roomID, userID, TypingUser{UserID: userID, DisplayName: displayName})
		entries[userID] = entry
	case !entry.timer.Reset(t.timeout):
		// The inactivity expiry already fired and is waiting on the
		// lock; a reset cannot recall it. Replace the entry so the
		// stale expiry finds nothing to remove.
		entries[userID] = t.newEntry(roomID, userID, entry.user)
	}
	t.mu.Unlock()

	if fresh {
		t.broadcaster.ToRoomExcept(roomID, userID, event.UserTyping, entry.user)
	}
}

func (t *TypingTracker) newEntry(roomID, userID string, user TypingUser) *typingEntry {
	entry := &typingEntry{user: user}
	entry.timer = time.AfterFunc(t.timeout, func() {
		t.expire(roomID, userID, entry)
	})
	return entry
}

// Stop removes a user from the typing set. Removing an absent user is a
// no-op and emits nothing.
func (t *TypingTracker) Stop(roomID, userID string) {
	t.remove(roomID, userID, nil)
}

// ClearRoom drops the whole typing set of a closed room without broadcasts;
// the room-closed event supersedes them.
func (t *TypingTracker) ClearRoom(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.rooms[roomID] {
		entry.timer.Stop()
	}
	delete(t.rooms, roomID)
}

// Typing returns the current typing set of a room.
func (t *TypingTracker) Typing(roomID string) []TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []TypingUser
	for _, entry := range t.rooms[roomID] {
		users = append(users, entry.user)
	}
	return users
}

func (t *TypingTracker) expire(roomID, userID string, entry *typingEntry) {
	t.remove(roomID, userID, entry)
}

// remove drops the user's entry. A non-nil expected entry restricts the
// removal to exactly that entry, so an expiry that lost a race to a timer
// reset cannot remove the replacement.
func (t *TypingTracker) remove(roomID, userID string, expected *typingEntry) {
	t.mu.Lock()

	entries := t.rooms[roomID]
	entry, ok := entries[userID]
	if ok && expected != nil && entry != expected {
		t.mu.Unlock()
		return
	}
	if ok {
		entry.timer.Stop()
		delete(entries, userID)
		if len(entries) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()

	if ok {
		t.broadcaster.ToRoomExcept(roomID, userID, event.UserStopTyping, entry.user)
	}
}
