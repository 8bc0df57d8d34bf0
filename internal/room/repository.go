package room

import (
	"context"
	"sync"

	"listenalong/internal/song"
	"listenalong/internal/user"
)

// Repository stores room records. It is pure storage; serialization of
// concurrent mutations to one room is the registry's job.
type Repository interface {
	Create(ctx context.Context, r *Room) error
	Get(ctx context.Context, id string) (*Room, error)
	AddMember(ctx context.Context, roomID string, u user.Ref) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	SetActive(ctx context.Context, roomID string, active bool) error
	// SetCurrentSong replaces the room's song state; nil clears it.
	SetCurrentSong(ctx context.Context, roomID string, s *song.State) error
}

// MemoryRepository is an in-memory Repository, used in tests and when no
// database is configured.
type MemoryRepository struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewMemoryRepository creates an empty in-memory room repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rooms: make(map[string]*Room)}
}

// Create stores a new room.
func (r *MemoryRepository) Create(_ context.Context, room *Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.ID] = copyRoom(room)
	return nil
}

// Get returns a copy of the room with the given id.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRoom(room), nil
}

// AddMember adds u to the room's membership set. Adding an existing member
// is a no-op.
func (r *MemoryRepository) AddMember(_ context.Context, roomID string, u user.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.Members[u.ID] = u
	return nil
}

// RemoveMember removes userID from the room's membership set.
func (r *MemoryRepository) RemoveMember(_ context.Context, roomID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	delete(room.Members, userID)
	return nil
}

// SetActive flips the room's active flag. Deactivating clears membership:
// an inactive room has no members.
func (r *MemoryRepository) SetActive(_ context.Context, roomID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.IsActive = active
	if !active {
		room.Members = make(map[string]user.Ref)
	}
	return nil
}

// SetCurrentSong replaces the room's song state; nil clears it.
func (r *MemoryRepository) SetCurrentSong(_ context.Context, roomID string, s *song.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if s == nil {
		room.CurrentSong = nil
		return nil
	}
	cp := *s
	room.CurrentSong = &cp
	return nil
}

func copyRoom(room *Room) *Room {
	cp := *room
	cp.Members = make(map[string]user.Ref, len(room.Members))
	for id, u := range room.Members {
		cp.Members[id] = u
	}
	if room.CurrentSong != nil {
		s := *room.CurrentSong
		cp.CurrentSong = &s
	}
	return &cp
}
