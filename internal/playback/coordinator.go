// Playback coordination.
//
// One song at a time per room: admission is a check-and-set under the
// room's playback lock, so two near-simultaneous submissions can never both
// win. The coordinator computes the absolute schedule every client plays
// against and treats the first song-ended signal as authoritative.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"listenalong/internal/config"
	"listenalong/internal/event"
	"listenalong/internal/room"
	"listenalong/internal/song"
)

// ErrSongPlaying is the admission conflict: a song is already admitted
// (downloading or playing). Submissions are rejected explicitly, never
// queued or silently dropped.
var ErrSongPlaying = errors.New("a song is already playing in this room")

type phase int

const (
	phaseIdle phase = iota
	phaseDownloading
	phasePlaying
)

// Registry is the coordinator's only write path into room state.
type Registry interface {
	ActiveRoom(ctx context.Context, roomID, userID string) (*room.Room, error)
	SetCurrentSong(ctx context.Context, roomID string, s *song.State) error
	ClearCurrentSong(ctx context.Context, roomID string) error
}

// Broadcaster fans an event out to a room's connected session channels.
type Broadcaster interface {
	ToRoom(roomID, eventName string, payload any)
	ToRoomExcept(roomID, exceptUserID, eventName string, payload any)
}

// SyncReport is the periodic position report from the member actually
// rendering audio, relayed to everyone else for drift correction.
type SyncReport struct {
	RoomID          string  `json:"roomId"`
	UserID          string  `json:"userId"`
	PositionSeconds float64 `json:"positionSeconds"`
	ReportedAtMs    int64   `json:"reportedAtMs"`
}

// State answers the playback-state query.
type State struct {
	Playing                bool        `json:"playing"`
	Downloading            bool        `json:"downloading"`
	Song                   *song.State `json:"songInfo,omitempty"`
	CurrentPositionSeconds float64     `json:"currentPosition"`
	RemainingTimeSeconds   float64     `json:"remainingTime"`
}

// Coordinator runs the per-room playback state machine
// IDLE -> DOWNLOADING -> PLAYING -> IDLE.
type Coordinator struct {
	registry    Registry
	resolver    song.Resolver
	broadcaster Broadcaster
	metrics     *config.Metrics
	logger      *log.Logger
	lead        time.Duration
	now         func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomPlayback
}

type roomPlayback struct {
	mu    sync.Mutex
	phase phase
	song  *song.State
}

// NewCoordinator creates the playback coordinator. lead is the fixed head
// start added to the broadcast so clients can buffer before the scheduled
// instant.
func NewCoordinator(registry Registry, resolver song.Resolver, broadcaster Broadcaster, metrics *config.Metrics, logger *log.Logger, lead time.Duration) *Coordinator {
	return &Coordinator{
		registry:    registry,
		resolver:    resolver,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		lead:        lead,
		now:         time.Now,
		rooms:       make(map[string]*roomPlayback),
	}
}

// AddSong admits a song for the room. Admission is synchronous: first
// submission wins, every other concurrent submission gets ErrSongPlaying.
// Resolution and scheduling then run asynchronously; the caller gets its
// answer through the song-playing or song-error broadcast.
func (c *Coordinator) AddSong(ctx context.Context, roomID, userID, sourceURL string) error {
	r, err := c.registry.ActiveRoom(ctx, roomID, userID)
	if err != nil {
		return err
	}

	rp := c.playbackFor(roomID)

	rp.mu.Lock()
	now := c.now()
	if rp.phase == phaseIdle && r.CurrentSong != nil && !r.CurrentSong.EndedAt(now) {
		// A restarted coordinator has no in-memory record of the song
		// the registry still holds; the persisted schedule is the
		// occupancy.
		rp.phase = phasePlaying
		rp.song = r.CurrentSong
	}
	expired := rp.phase == phasePlaying && rp.song != nil && rp.song.EndedAt(now)
	rp.mu.Unlock()

	if expired {
		// The schedule elapsed with nobody left to report the end;
		// admission doubles as the first end signal.
		c.EndSong(ctx, roomID)
	}

	rp.mu.Lock()
	if rp.phase != phaseIdle {
		rp.mu.Unlock()
		return ErrSongPlaying
	}
	rp.phase = phaseDownloading
	rp.mu.Unlock()

	// Clients switch to a "preparing" UI instead of showing stale idle
	// state while the asset resolves.
	c.broadcaster.ToRoom(roomID, event.SongDownloadStarted, map[string]string{
		"roomId":      roomID,
		"requestedBy": userID,
	})

	// Detached from the request context: the 202 response returns while
	// the asset resolves.
	go c.resolveAndStart(context.Background(), rp, roomID, userID, sourceURL)
	return nil
}

// resolveAndStart finishes the DOWNLOADING -> PLAYING transition once the
// external resolver answers.
func (c *Coordinator) resolveAndStart(ctx context.Context, rp *roomPlayback, roomID, userID, sourceURL string) error {
	track, err := c.resolver.Resolve(ctx, sourceURL)
	if err != nil {
		rp.mu.Lock()
		if rp.phase == phaseDownloading {
			rp.phase = phaseIdle
		}
		rp.mu.Unlock()

		c.broadcaster.ToRoom(roomID, event.SongError, map[string]string{
			"roomId":  roomID,
			"message": err.Error(),
		})
		c.logger.Warn("song resolution failed", "room", roomID, "url", sourceURL, "err", err)
		return fmt.Errorf("add song: %w", err)
	}

	s := &song.State{
		VideoID:         track.VideoID,
		Title:           track.Title,
		Channel:         track.Channel,
		Thumbnail:       track.Thumbnail,
		AssetURL:        track.AssetURL,
		DurationSeconds: track.DurationSeconds,
		SharerID:        userID,
	}
	s.Schedule(c.now(), c.lead)

	rp.mu.Lock()
	if rp.phase != phaseDownloading {
		// The room closed while the asset resolved; drop the song.
		rp.mu.Unlock()
		return room.ErrNotFound
	}
	rp.phase = phasePlaying
	rp.song = s
	rp.mu.Unlock()

	if err := c.registry.SetCurrentSong(ctx, roomID, s); err != nil {
		rp.mu.Lock()
		rp.phase = phaseIdle
		rp.song = nil
		rp.mu.Unlock()
		return fmt.Errorf("persist song state: %w", err)
	}

	c.broadcaster.ToRoom(roomID, event.SongPlaying, s)
	c.metrics.SongPlayed()
	c.logger.Info("song playing", "room", roomID, "video", s.VideoID,
		"title", s.Title, "start_ms", s.StartTimeEpochMs, "sharer", userID)
	return nil
}

// EndSong handles a song-ended signal. The first signal wins: it clears the
// state, transitions to IDLE and broadcasts song-ended once. Duplicate
// signals for an already-cleared state are no-ops.
func (c *Coordinator) EndSong(ctx context.Context, roomID string) {
	rp := c.existing(roomID)
	if rp == nil {
		return
	}

	rp.mu.Lock()
	if rp.phase != phasePlaying {
		rp.mu.Unlock()
		return
	}
	ended := rp.song
	rp.phase = phaseIdle
	rp.song = nil
	rp.mu.Unlock()

	if err := c.registry.ClearCurrentSong(ctx, roomID); err != nil && !errors.Is(err, room.ErrNotFound) {
		c.logger.Warn("clear song state", "room", roomID, "err", err)
	}

	payload := map[string]string{"roomId": roomID}
	if ended != nil {
		payload["videoId"] = ended.VideoID
	}
	c.broadcaster.ToRoom(roomID, event.SongEnded, payload)
	c.logger.Info("song ended", "room", roomID)
}

// ReportPosition relays a rendering member's position to the rest of the
// room. Accepted only while a song is playing; fire-and-forget.
func (c *Coordinator) ReportPosition(roomID, userID string, positionSeconds float64) {
	rp := c.existing(roomID)
	if rp == nil {
		return
	}

	rp.mu.Lock()
	playing := rp.phase == phasePlaying
	rp.mu.Unlock()
	if !playing {
		return
	}

	c.broadcaster.ToRoomExcept(roomID, userID, event.PlaybackSync, SyncReport{
		RoomID:          roomID,
		UserID:          userID,
		PositionSeconds: positionSeconds,
		ReportedAtMs:    c.now().UnixMilli(),
	})
}

// State answers the playback-state query from the persisted room record,
// so it is correct even across a coordinator restart.
func (c *Coordinator) State(ctx context.Context, roomID string) (*State, error) {
	r, err := c.registry.ActiveRoom(ctx, roomID, "")
	if err != nil {
		return nil, err
	}

	st := &State{}
	if rp := c.existing(roomID); rp != nil {
		rp.mu.Lock()
		st.Downloading = rp.phase == phaseDownloading
		rp.mu.Unlock()
	}

	s := r.CurrentSong
	if s == nil || s.EndedAt(c.now()) {
		return st, nil
	}

	now := c.now()
	st.Playing = true
	st.Song = s
	st.CurrentPositionSeconds = s.PositionAt(now)
	st.RemainingTimeSeconds = s.RemainingAt(now)
	return st, nil
}

// Abort drops any in-flight song for a closing room without broadcasting;
// the room-closed event supersedes song-ended. Clients discard previously
// scheduled starts when they receive room-closed.
func (c *Coordinator) Abort(roomID string) {
	rp := c.existing(roomID)
	if rp == nil {
		return
	}

	rp.mu.Lock()
	rp.phase = phaseIdle
	rp.song = nil
	rp.mu.Unlock()
}

func (c *Coordinator) playbackFor(roomID string) *roomPlayback {
	c.mu.Lock()
	defer c.mu.Unlock()

	rp, ok := c.rooms[roomID]
	if !ok {
		rp = &roomPlayback{}
		c.rooms[roomID] = rp
	}
	return rp
}

func (c *Coordinator) existing(roomID string) *roomPlayback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}
