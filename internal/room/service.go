package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"listenalong/internal/chat"
	"listenalong/internal/config"
	"listenalong/internal/event"
	"listenalong/internal/song"
	"listenalong/internal/user"
)

// Broadcaster fans an event out to a room's connected session channels.
// Broadcasts are fire-and-forget and must never block a mutation.
type Broadcaster interface {
	ToRoom(roomID, eventName string, payload any)
	ToRoomExcept(roomID, exceptUserID, eventName string, payload any)
}

// MessageLog reads the tail of a room's message log for snapshots.
type MessageLog interface {
	Recent(ctx context.Context, roomID string, n int) ([]chat.Message, error)
}

// PlaybackCanceller cancels any in-flight song when a room closes.
// Implemented by the playback coordinator; declared here to avoid an import
// cycle.
type PlaybackCanceller interface {
	Abort(roomID string)
}

// TypingClearer drops a room's typing set when the room closes.
type TypingClearer interface {
	ClearRoom(roomID string)
}

// Registry is the single source of truth for room state. All mutations to a
// given room are serialized through it; no other component writes room state
// directly.
type Registry interface {
	Create(ctx context.Context, creatorID, name string) (*Room, error)
	Join(ctx context.Context, roomID, userID string) (*Snapshot, error)
	Leave(ctx context.Context, roomID, userID string) error
	Close(ctx context.Context, roomID, requesterID string) error
	Get(ctx context.Context, roomID string) (*Snapshot, error)

	// HandleDisconnect runs the departure cascade for a dropped session
	// channel: host departure closes the room, anyone else just leaves.
	HandleDisconnect(ctx context.Context, roomID, userID string)

	// ActiveRoom returns the room if it exists, is active and (when userID
	// is non-empty) has userID as a member.
	ActiveRoom(ctx context.Context, roomID, userID string) (*Room, error)

	// CheckMember verifies membership of an active room and returns the
	// member's display name.
	CheckMember(ctx context.Context, roomID, userID string) (string, error)

	// SetCurrentSong and ClearCurrentSong are the playback coordinator's
	// only write path into room state.
	SetCurrentSong(ctx context.Context, roomID string, s *song.State) error
	ClearCurrentSong(ctx context.Context, roomID string) error

	// LockRoom serializes a caller-supplied critical section with every
	// other mutation of the room, making check-and-set sequences atomic.
	LockRoom(roomID string) func()

	SetPlayback(p PlaybackCanceller)
	SetTyping(t TypingClearer)
}

type registry struct {
	repo        Repository
	users       user.Repository
	messages    MessageLog
	broadcaster Broadcaster
	playback    PlaybackCanceller
	typing      TypingClearer
	metrics     *config.Metrics
	logger      *log.Logger
	window      int
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates the room registry.
func NewRegistry(repo Repository, users user.Repository, messages MessageLog, broadcaster Broadcaster, metrics *config.Metrics, logger *log.Logger, recentWindow int) Registry {
	return &registry{
		repo:        repo,
		users:       users,
		messages:    messages,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		window:      recentWindow,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// SetPlayback wires the playback coordinator in after construction.
func (r *registry) SetPlayback(p PlaybackCanceller) { r.playback = p }

// SetTyping wires the typing tracker in after construction.
func (r *registry) SetTyping(t TypingClearer) { r.typing = t }

// LockRoom acquires the room's mutation lock and returns its release func.
func (r *registry) LockRoom(roomID string) func() {
	mu := r.lockFor(roomID)
	mu.Lock()
	return mu.Unlock
}

func (r *registry) lockFor(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	mu, ok := r.locks[roomID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[roomID] = mu
	}
	return mu
}

// Create makes a new active room with the creator as its only member.
func (r *registry) Create(ctx context.Context, creatorID, name string) (*Room, error) {
	creator := r.userRef(ctx, creatorID)

	room := &Room{
		ID:        uuid.New().String(),
		Name:      name,
		CreatorID: creatorID,
		IsActive:  true,
		Members:   map[string]user.Ref{creatorID: creator},
		CreatedAt: r.now(),
	}

	if err := r.repo.Create(ctx, room); err != nil {
		return nil, err
	}

	r.metrics.RoomCreated()
	r.logger.Info("room created", "room", room.ID, "name", name, "host", creatorID)
	return room, nil
}

// Join adds userID to the room and returns the full current snapshot, so a
// late joiner renders complete state in one round trip. Joining a room the
// caller already belongs to is idempotent and emits no duplicate broadcast.
func (r *registry) Join(ctx context.Context, roomID, userID string) (*Snapshot, error) {
	unlock := r.LockRoom(roomID)
	defer unlock()

	room, err := r.activeRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if !room.IsMember(userID) {
		joiner := r.userRef(ctx, userID)
		if err := r.repo.AddMember(ctx, roomID, joiner); err != nil {
			return nil, err
		}
		room.Members[userID] = joiner

		r.broadcaster.ToRoomExcept(roomID, userID, event.UserJoinedWithData, joiner)
		r.logger.Info("user joined room", "room", roomID, "user", userID)
	}

	return r.snapshot(ctx, room), nil
}

// Leave removes userID from the membership set. An empty room stays active;
// rooms are host-controlled, never reaped by emptiness.
func (r *registry) Leave(ctx context.Context, roomID, userID string) error {
	unlock := r.LockRoom(roomID)
	defer unlock()

	room, err := r.activeRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if !room.IsMember(userID) {
		return nil
	}

	left := room.Members[userID]
	if err := r.repo.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}

	r.broadcaster.ToRoomExcept(roomID, userID, event.UserLeftWithData, left)
	r.logger.Info("user left room", "room", roomID, "user", userID)
	return nil
}

// Close deactivates the room. Host only. Cancels any in-flight playback,
// clears the typing set and broadcasts room-closed; every later operation on
// this room id reports NotFound.
func (r *registry) Close(ctx context.Context, roomID, requesterID string) error {
	unlock := r.LockRoom(roomID)
	defer unlock()

	room, err := r.activeRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if room.CreatorID != requesterID {
		return ErrForbidden
	}

	if r.playback != nil {
		r.playback.Abort(roomID)
	}
	if r.typing != nil {
		r.typing.ClearRoom(roomID)
	}
	if err := r.repo.SetCurrentSong(ctx, roomID, nil); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("clear song on close", "room", roomID, "err", err)
	}

	if err := r.repo.SetActive(ctx, roomID, false); err != nil {
		return err
	}

	r.broadcaster.ToRoom(roomID, event.RoomClosed, map[string]string{"roomId": roomID})
	r.metrics.RoomClosed()
	r.logger.Info("room closed", "room", roomID, "host", requesterID)
	return nil
}

// Get returns the room snapshot, including the live song position.
func (r *registry) Get(ctx context.Context, roomID string) (*Snapshot, error) {
	room, err := r.activeRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(ctx, room), nil
}

// HandleDisconnect is the last-resort departure path for a session channel
// that dropped without a graceful leave. Best effort: the reconciliation
// poll backstops anything missed here.
func (r *registry) HandleDisconnect(ctx context.Context, roomID, userID string) {
	room, err := r.activeRoom(ctx, roomID)
	if err != nil {
		return
	}

	if room.CreatorID == userID {
		if err := r.Close(ctx, roomID, userID); err != nil {
			r.logger.Warn("close on host disconnect", "room", roomID, "err", err)
		}
		return
	}

	if err := r.Leave(ctx, roomID, userID); err != nil {
		r.logger.Warn("leave on disconnect", "room", roomID, "user", userID, "err", err)
	}
}

// ActiveRoom returns the room if it is active and, when userID is set, the
// caller is a member.
func (r *registry) ActiveRoom(ctx context.Context, roomID, userID string) (*Room, error) {
	room, err := r.activeRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if userID != "" && !room.IsMember(userID) {
		return nil, ErrForbidden
	}
	return room, nil
}

// CheckMember verifies membership of an active room and returns the
// member's display name.
func (r *registry) CheckMember(ctx context.Context, roomID, userID string) (string, error) {
	room, err := r.activeRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	m, ok := room.Members[userID]
	if !ok {
		return "", ErrForbidden
	}
	return m.DisplayName, nil
}

// SetCurrentSong persists the admitted song state.
func (r *registry) SetCurrentSong(ctx context.Context, roomID string, s *song.State) error {
	return r.repo.SetCurrentSong(ctx, roomID, s)
}

// ClearCurrentSong removes the song state after termination.
func (r *registry) ClearCurrentSong(ctx context.Context, roomID string) error {
	return r.repo.SetCurrentSong(ctx, roomID, nil)
}

func (r *registry) activeRoom(ctx context.Context, roomID string) (*Room, error) {
	room, err := r.repo.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive {
		return nil, ErrNotFound
	}
	return room, nil
}

func (r *registry) snapshot(ctx context.Context, room *Room) *Snapshot {
	members := make([]user.Ref, 0, len(room.Members))
	for _, m := range room.Members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	messages, err := r.messages.Recent(ctx, room.ID, r.window)
	if err != nil {
		r.logger.Warn("load recent messages", "room", room.ID, "err", err)
	}

	snap := &Snapshot{
		ID:        room.ID,
		Name:      room.Name,
		CreatorID: room.CreatorID,
		IsActive:  room.IsActive,
		Members:   members,
		Messages:  messages,
	}

	if s := room.CurrentSong; s != nil {
		now := r.now()
		if s.EndedAt(now) {
			// Past its schedule but nobody reported the end yet; the
			// snapshot should not advertise a finished song.
			snap.CurrentSong = nil
		} else {
			snap.CurrentSong = s
			snap.CurrentPositionSeconds = s.PositionAt(now)
			snap.RemainingTimeSeconds = s.RemainingAt(now)
		}
	}

	return snap
}

// userRef resolves a user id against the external user store, falling back
// to a bare reference when the store has no record.
func (r *registry) userRef(ctx context.Context, id string) user.Ref {
	u, err := r.users.Get(ctx, id)
	if err != nil {
		return user.Ref{ID: id, DisplayName: id}
	}
	return u
}
