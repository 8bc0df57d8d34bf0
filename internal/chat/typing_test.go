package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listenalong/internal/event"
)

type recordedEvent struct {
	roomID  string
	except  string
	name    string
	payload any
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeBroadcaster) ToRoom(roomID, name string, payload any) {
	f.ToRoomExcept(roomID, "", name, payload)
}

func (f *fakeBroadcaster) ToRoomExcept(roomID, except, name string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{roomID: roomID, except: except, name: name, payload: payload})
}

func (f *fakeBroadcaster) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func TestTypingStartBroadcastsOnce(t *testing.T) {
	b := &fakeBroadcaster{}
	tr := NewTypingTracker(b, time.Minute)

	tr.Start("r1", "u1", "Alice")
	tr.Start("r1", "u1", "Alice")
	tr.Start("r1", "u1", "Alice")

	assert.Equal(t, 1, b.count(event.UserTyping), "keystrokes while already typing must not re-broadcast")
	assert.Len(t, tr.Typing("r1"), 1)

	e := b.events[0]
	assert.Equal(t, "u1", e.except, "the typer never sees itself as typing")
}

func TestTypingExpiresAfterInactivity(t *testing.T) {
	b := &fakeBroadcaster{}
	tr := NewTypingTracker(b, 30*time.Millisecond)

	tr.Start("r1", "u1", "Alice")

	require.Eventually(t, func() bool {
		return b.count(event.UserStopTyping) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Typing("r1"))

	// The timer fires exactly once; no late duplicate.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, b.count(event.UserStopTyping))
}

func TestTypingKeystrokesResetTimer(t *testing.T) {
	b := &fakeBroadcaster{}
	tr := NewTypingTracker(b, 50*time.Millisecond)

	tr.Start("r1", "u1", "Alice")
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		tr.Start("r1", "u1", "Alice")
	}

	// The last keystroke is still within the timeout window.
	assert.Zero(t, b.count(event.UserStopTyping))
	assert.Len(t, tr.Typing("r1"), 1)

	require.Eventually(t, func() bool {
		return b.count(event.UserStopTyping) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTypingKeystrokeBeatsFiredTimer(t *testing.T) {
	b := &fakeBroadcaster{}
	tr := NewTypingTracker(b, time.Minute)

	tr.Start("r1", "u1", "Alice")

	// Simulate a timer that has already gone off when the next keystroke
	// tries to reset it.
	tr.mu.Lock()
	old := tr.rooms["r1"]["u1"]
	old.timer.Stop()
	tr.mu.Unlock()

	tr.Start("r1", "u1", "Alice")

	tr.mu.Lock()
	replacement := tr.rooms["r1"]["u1"]
	tr.mu.Unlock()
	require.NotSame(t, old, replacement, "an unresettable timer gets its entry replaced")

	// The old timer's expiry arrives late; it must neither drop the entry
	// nor broadcast.
	tr.expire("r1", "u1", old)
	assert.Zero(t, b.count(event.UserStopTyping))
	assert.Len(t, tr.Typing("r1"), 1)
}

func TestTypingExplicitStop(t *testing.T) {
	b := &fakeBroadcaster{}
	tr := NewTypingTracker(b, time.Minute)

	tr.Start("r1", "u1", "Alice")
	tr.Stop("r1", "u1")

	assert.Equal(t, 1, b.count(event.UserStopTyping))
	assert.Empty(t, tr.Typing("r1"))

	// A stop after the entry is gone emits nothing.
	tr.Stop("r1", "u1")
	assert.Equal(t, 1, b.count(event.UserStopTyping))
}

func TestTypingTracksUsersIndependently(t *testing.T) {
	b := &fakeBroadcaster{}
	tr := NewTypingTracker(b, time.Minute)

	tr.Start("r1", "u1", "Alice")
	tr.Start("r1", "u2", "Bob")
	assert.Len(t, tr.Typing("r1"), 2)

	tr.Stop("r1", "u1")
	remaining := tr.Typing("r1")
	require.Len(t, remaining, 1)
	assert.Equal(t, "u2", remaining[0].UserID)
}

func TestTypingClearRoomIsSilent(t *testing.T) {
	b := &fakeBroadcaster{}
	tr := NewTypingTracker(b, 30*time.Millisecond)

	tr.Start("r1", "u1", "Alice")
	tr.Start("r1", "u2", "Bob")
	tr.ClearRoom("r1")

	assert.Empty(t, tr.Typing("r1"))

	// Neither the clear itself nor the stopped timers emit stop-typing.
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, b.count(event.UserStopTyping))
}
