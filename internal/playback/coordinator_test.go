package playback

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listenalong/internal/config"
	"listenalong/internal/event"
	"listenalong/internal/room"
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

func (f *fakeBroadcaster) last(name string) (recordedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].name == name {
			return f.events[i], true
		}
	}
	return recordedEvent{}, false
}

type fakeRegistry struct {
	mu   sync.Mutex
	room *room.Room
}

func (f *fakeRegistry) ActiveRoom(_ context.Context, roomID, userID string) (*room.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.room == nil || f.room.ID != roomID || !f.room.IsActive {
		return nil, room.ErrNotFound
	}
	if userID != "" && !f.room.IsMember(userID) {
		return nil, room.ErrForbidden
	}
	return f.room, nil
}

func (f *fakeRegistry) SetCurrentSong(_ context.Context, roomID string, s *song.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.room == nil || f.room.ID != roomID {
		return room.ErrNotFound
	}
	f.room.CurrentSong = s
	return nil
}

func (f *fakeRegistry) ClearCurrentSong(ctx context.Context, roomID string) error {
	return f.SetCurrentSong(ctx, roomID, nil)
}

func (f *fakeRegistry) currentSong() *song.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room.CurrentSong
}

type stubResolver struct {
	track *song.Track
	err   error
	gate  chan struct{}
}

func (r *stubResolver) Resolve(_ context.Context, _ string) (*song.Track, error) {
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.track, nil
}

func testTrack() *song.Track {
	return &song.Track{
		VideoID:         "v1",
		Title:           "Test Song",
		Channel:         "Test Channel",
		AssetURL:        "https://cdn.example.com/v1.mp3",
		DurationSeconds: 180,
	}
}

func testRoom() *room.Room {
	return &room.Room{
		ID:        "r1",
		CreatorID: "u1",
		IsActive:  true,
		Members: map[string]user.Ref{
			"u1": {ID: "u1", DisplayName: "Alice"},
			"u2": {ID: "u2", DisplayName: "Bob"},
		},
	}
}

func newTestCoordinator(reg *fakeRegistry, res song.Resolver) (*Coordinator, *fakeBroadcaster) {
	b := &fakeBroadcaster{}
	c := NewCoordinator(reg, res, b, config.NewMetrics(), log.New(io.Discard), 300*time.Millisecond)
	return c, b
}

func TestAddSongSchedulesAndBroadcasts(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	c, b := newTestCoordinator(reg, &stubResolver{track: testTrack()})

	now := time.UnixMilli(1_700_000_000_000)
	c.now = func() time.Time { return now }

	require.NoError(t, c.AddSong(context.Background(), "r1", "u1", "https://example.com/watch?v=v1"))
	assert.Equal(t, 1, b.count(event.SongDownloadStarted))

	require.Eventually(t, func() bool {
		return b.count(event.SongPlaying) == 1
	}, time.Second, 5*time.Millisecond)

	e, ok := b.last(event.SongPlaying)
	require.True(t, ok)
	s := e.payload.(*song.State)
	assert.Equal(t, "v1", s.VideoID)
	assert.Equal(t, "u1", s.SharerID)
	assert.Equal(t, now.UnixMilli()+300, s.StartTimeEpochMs)
	assert.Equal(t, s.StartTimeEpochMs+180_000, s.EndTimeEpochMs)

	assert.Same(t, s, reg.currentSong())
}

func TestAddSongRejectsConcurrentSubmissions(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	res := &stubResolver{track: testTrack(), gate: make(chan struct{})}
	c, _ := newTestCoordinator(reg, res)

	const submitters = 8
	errs := make(chan error, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.AddSong(context.Background(), "r1", "u1", "https://example.com/watch?v=v1")
		}()
	}
	wg.Wait()
	close(errs)
	close(res.gate)

	won, lost := 0, 0
	for err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrSongPlaying)
			lost++
		}
	}
	assert.Equal(t, 1, won, "exactly one submission wins admission")
	assert.Equal(t, submitters-1, lost)
}

func TestAddSongRequiresMembership(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	c, _ := newTestCoordinator(reg, &stubResolver{track: testTrack()})

	err := c.AddSong(context.Background(), "r1", "stranger", "https://example.com/watch?v=v1")
	assert.ErrorIs(t, err, room.ErrForbidden)

	err = c.AddSong(context.Background(), "missing", "u1", "https://example.com/watch?v=v1")
	assert.ErrorIs(t, err, room.ErrNotFound)
}

func TestElapsedSongReopensAdmission(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	c, b := newTestCoordinator(reg, &stubResolver{track: testTrack()})

	var mu sync.Mutex
	current := time.UnixMilli(1_700_000_000_000)
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	require.NoError(t, c.AddSong(context.Background(), "r1", "u1", "https://example.com/watch?v=v1"))
	require.Eventually(t, func() bool {
		return b.count(event.SongPlaying) == 1
	}, time.Second, 5*time.Millisecond)

	// The schedule runs out without any member reporting the end.
	mu.Lock()
	current = current.Add(400 * time.Second)
	mu.Unlock()

	st, err := c.State(context.Background(), "r1")
	require.NoError(t, err)
	require.False(t, st.Playing)

	// Admission agrees with the state query: the next song is accepted
	// and the stale song is closed out first.
	require.NoError(t, c.AddSong(context.Background(), "r1", "u2", "https://example.com/watch?v=v2"))
	assert.Equal(t, 1, b.count(event.SongEnded))
	require.Eventually(t, func() bool {
		return b.count(event.SongPlaying) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPersistedSongBlocksAdmissionAfterRestart(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}

	start := time.UnixMilli(1_700_000_000_000)
	s := &song.State{VideoID: "v0", DurationSeconds: 180, SharerID: "u1"}
	s.Schedule(start, 0)
	reg.room.CurrentSong = s

	// A fresh coordinator over a room whose song is mid-schedule.
	c, b := newTestCoordinator(reg, &stubResolver{track: testTrack()})
	c.now = func() time.Time { return start.Add(30 * time.Second) }

	err := c.AddSong(context.Background(), "r1", "u2", "https://example.com/watch?v=v1")
	assert.ErrorIs(t, err, ErrSongPlaying)

	// The recovered song still terminates normally.
	c.EndSong(context.Background(), "r1")
	assert.Equal(t, 1, b.count(event.SongEnded))
	assert.Nil(t, reg.currentSong())

	require.NoError(t, c.AddSong(context.Background(), "r1", "u2", "https://example.com/watch?v=v1"))
}

func TestAddSongResolveFailureReopensAdmission(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	res := &stubResolver{err: song.ErrResolveFailed}
	c, b := newTestCoordinator(reg, res)

	require.NoError(t, c.AddSong(context.Background(), "r1", "u1", "https://example.com/broken"))

	require.Eventually(t, func() bool {
		return b.count(event.SongError) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.count(event.SongPlaying))
	assert.Nil(t, reg.currentSong())

	// The failure returned the room to idle; the next submission is admitted.
	res.err = nil
	res.track = testTrack()
	require.NoError(t, c.AddSong(context.Background(), "r1", "u2", "https://example.com/watch?v=v1"))
	require.Eventually(t, func() bool {
		return b.count(event.SongPlaying) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEndSongFirstSignalWins(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	c, b := newTestCoordinator(reg, &stubResolver{track: testTrack()})

	require.NoError(t, c.AddSong(context.Background(), "r1", "u1", "https://example.com/watch?v=v1"))
	require.Eventually(t, func() bool {
		return b.count(event.SongPlaying) == 1
	}, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.EndSong(context.Background(), "r1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, b.count(event.SongEnded), "duplicate end signals must collapse to one broadcast")
	assert.Nil(t, reg.currentSong())

	// Back to idle: a new song is admitted.
	require.NoError(t, c.AddSong(context.Background(), "r1", "u2", "https://example.com/watch?v=v2"))
}

func TestEndSongBeforeAnySong(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	c, b := newTestCoordinator(reg, &stubResolver{track: testTrack()})

	c.EndSong(context.Background(), "r1")
	assert.Zero(t, b.count(event.SongEnded))
}

func TestReportPositionRelaysOnlyWhilePlaying(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	c, b := newTestCoordinator(reg, &stubResolver{track: testTrack()})

	c.ReportPosition("r1", "u1", 12.5)
	assert.Zero(t, b.count(event.PlaybackSync))

	require.NoError(t, c.AddSong(context.Background(), "r1", "u1", "https://example.com/watch?v=v1"))
	require.Eventually(t, func() bool {
		return b.count(event.SongPlaying) == 1
	}, time.Second, 5*time.Millisecond)

	c.ReportPosition("r1", "u1", 12.5)
	require.Equal(t, 1, b.count(event.PlaybackSync))

	e, ok := b.last(event.PlaybackSync)
	require.True(t, ok)
	assert.Equal(t, "u1", e.except, "the reporter must not receive its own sync")
	report := e.payload.(SyncReport)
	assert.Equal(t, "u1", report.UserID)
	assert.InDelta(t, 12.5, report.PositionSeconds, 0.001)

	c.EndSong(context.Background(), "r1")
	c.ReportPosition("r1", "u1", 40)
	assert.Equal(t, 1, b.count(event.PlaybackSync))
}

func TestStateReportsLivePosition(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	c, _ := newTestCoordinator(reg, &stubResolver{track: testTrack()})

	start := time.UnixMilli(1_700_000_000_000)
	s := &song.State{VideoID: "v1", DurationSeconds: 180}
	s.Schedule(start, 0)
	reg.room.CurrentSong = s

	c.now = func() time.Time { return start.Add(30 * time.Second) }

	st, err := c.State(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, st.Playing)
	assert.False(t, st.Downloading)
	assert.InDelta(t, 30, st.CurrentPositionSeconds, 0.001)
	assert.InDelta(t, 150, st.RemainingTimeSeconds, 0.001)
}

func TestStateIdleAfterScheduleElapsed(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	c, _ := newTestCoordinator(reg, &stubResolver{track: testTrack()})

	start := time.UnixMilli(1_700_000_000_000)
	s := &song.State{VideoID: "v1", DurationSeconds: 180}
	s.Schedule(start, 0)
	reg.room.CurrentSong = s

	c.now = func() time.Time { return start.Add(200 * time.Second) }

	st, err := c.State(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, st.Playing)
	assert.Nil(t, st.Song)
}

func TestAbortDropsInflightResolution(t *testing.T) {
	reg := &fakeRegistry{room: testRoom()}
	res := &stubResolver{track: testTrack(), gate: make(chan struct{})}
	c, b := newTestCoordinator(reg, res)

	require.NoError(t, c.AddSong(context.Background(), "r1", "u1", "https://example.com/watch?v=v1"))

	// Room closes while the asset resolves.
	c.Abort("r1")
	close(res.gate)

	assert.Never(t, func() bool {
		return b.count(event.SongPlaying) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Nil(t, reg.currentSong())
}
