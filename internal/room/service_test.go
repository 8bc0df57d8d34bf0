package room

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listenalong/internal/chat"
	"listenalong/internal/config"
	"listenalong/internal/event"
	"listenalong/internal/song"
	"listenalong/internal/user"
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

type fakeCanceller struct {
	mu      sync.Mutex
	aborted []string
}

func (f *fakeCanceller) Abort(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, roomID)
}

type fakeTyping struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeTyping) ClearRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, roomID)
}

func newTestRegistry(t *testing.T) (*registry, *fakeBroadcaster) {
	t.Helper()

	users := user.NewMemoryRepository()
	require.NoError(t, users.Put(context.Background(), user.Ref{ID: "u1", DisplayName: "Alice"}))
	require.NoError(t, users.Put(context.Background(), user.Ref{ID: "u2", DisplayName: "Bob"}))

	b := &fakeBroadcaster{}
	reg := NewRegistry(
		NewMemoryRepository(),
		users,
		chat.NewMemoryRepository(),
		b,
		config.NewMetrics(),
		log.New(io.Discard),
		7,
	).(*registry)

	return reg, b
}

func TestCreateRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)

	created, err := reg.Create(context.Background(), "u1", "friday vibes")
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Equal(t, "u1", created.CreatorID)
	assert.Len(t, created.Members, 1)
	assert.Equal(t, "Alice", created.Members["u1"].DisplayName)
}

func TestJoinReturnsFullSnapshot(t *testing.T) {
	reg, b := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)

	snap, err := reg.Join(ctx, created.ID, "u2")
	require.NoError(t, err)

	assert.Len(t, snap.Members, 2)
	assert.Equal(t, "u1", snap.CreatorID)
	assert.Equal(t, 1, b.count(event.UserJoinedWithData))
}

func TestJoinIsIdempotent(t *testing.T) {
	reg, b := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)

	_, err = reg.Join(ctx, created.ID, "u2")
	require.NoError(t, err)
	snap, err := reg.Join(ctx, created.ID, "u2")
	require.NoError(t, err)

	assert.Len(t, snap.Members, 2, "duplicate join must not duplicate the membership entry")
	assert.Equal(t, 1, b.count(event.UserJoinedWithData), "duplicate join must not re-broadcast")
}

func TestJoinUnknownRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Join(context.Background(), "nope", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLeaveKeepsEmptyRoomActive(t *testing.T) {
	reg, b := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)
	_, err = reg.Join(ctx, created.ID, "u2")
	require.NoError(t, err)

	require.NoError(t, reg.Leave(ctx, created.ID, "u2"))
	require.NoError(t, reg.Leave(ctx, created.ID, "u1"))

	// Rooms are host-controlled, never reaped by emptiness.
	snap, err := reg.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, snap.IsActive)
	assert.Empty(t, snap.Members)
	assert.Equal(t, 2, b.count(event.UserLeftWithData))
}

func TestLeaveNonMemberIsNoop(t *testing.T) {
	reg, b := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)

	require.NoError(t, reg.Leave(ctx, created.ID, "u2"))
	assert.Zero(t, b.count(event.UserLeftWithData))
}

func TestCloseRequiresHost(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)
	_, err = reg.Join(ctx, created.ID, "u2")
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Close(ctx, created.ID, "u2"), ErrForbidden)
}

func TestCloseIsTerminal(t *testing.T) {
	reg, b := newTestRegistry(t)
	ctx := context.Background()

	canceller := &fakeCanceller{}
	typing := &fakeTyping{}
	reg.SetPlayback(canceller)
	reg.SetTyping(typing)

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)

	require.NoError(t, reg.Close(ctx, created.ID, "u1"))

	assert.Equal(t, 1, b.count(event.RoomClosed))
	assert.Equal(t, []string{created.ID}, canceller.aborted)
	assert.Equal(t, []string{created.ID}, typing.cleared)

	// Every subsequent operation on the id reports the room gone.
	_, err = reg.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Join(ctx, created.ID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, reg.Close(ctx, created.ID, "u1"), ErrNotFound)
}

func TestHostDisconnectClosesRoom(t *testing.T) {
	reg, b := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)
	_, err = reg.Join(ctx, created.ID, "u2")
	require.NoError(t, err)

	reg.HandleDisconnect(ctx, created.ID, "u1")

	assert.Equal(t, 1, b.count(event.RoomClosed))
	_, err = reg.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemberDisconnectLeavesRoom(t *testing.T) {
	reg, b := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)
	_, err = reg.Join(ctx, created.ID, "u2")
	require.NoError(t, err)

	reg.HandleDisconnect(ctx, created.ID, "u2")

	assert.Zero(t, b.count(event.RoomClosed))
	assert.Equal(t, 1, b.count(event.UserLeftWithData))

	snap, err := reg.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Members, 1)
}

func TestLateJoinerSeesLivePosition(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)

	start := time.UnixMilli(1_700_000_000_000)
	s := &song.State{VideoID: "v1", DurationSeconds: 180, SharerID: "u1"}
	s.Schedule(start, 0)
	require.NoError(t, reg.SetCurrentSong(ctx, created.ID, s))

	// 30 seconds into the song.
	reg.now = func() time.Time { return start.Add(30 * time.Second) }

	snap, err := reg.Join(ctx, created.ID, "u2")
	require.NoError(t, err)

	require.NotNil(t, snap.CurrentSong)
	assert.Equal(t, "v1", snap.CurrentSong.VideoID)
	assert.InDelta(t, 30, snap.CurrentPositionSeconds, 0.001)
	assert.InDelta(t, 150, snap.RemainingTimeSeconds, 0.001)
}

func TestSnapshotHidesElapsedSong(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "u1", "r")
	require.NoError(t, err)

	start := time.UnixMilli(1_700_000_000_000)
	s := &song.State{VideoID: "v1", DurationSeconds: 180}
	s.Schedule(start, 0)
	require.NoError(t, reg.SetCurrentSong(ctx, created.ID, s))

	reg.now = func() time.Time { return start.Add(181 * time.Second) }

	snap, err := reg.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, snap.CurrentSong)
}
