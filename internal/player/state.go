package player

import (
	"sort"
	"sync"

	"listenalong/internal/chat"
	"listenalong/internal/room"
	"listenalong/internal/song"
	"listenalong/internal/user"
)

// RoomState is a client's disposable local copy of room state. The same
// logical change can arrive twice (direct call result and broadcast, in
// either order), so every inbound update is an idempotent merge by entity
// id, never an append.
type RoomState struct {
	mu      sync.Mutex
	roomID  string
	name    string
	hostID  string
	closed  bool
	members map[string]user.Ref
	msgIDs  map[string]struct{}
	msgs    []chat.Message
	song    *song.State
}

// NewRoomState creates an empty local copy for roomID.
func NewRoomState(roomID string) *RoomState {
	return &RoomState{
		roomID:  roomID,
		members: make(map[string]user.Ref),
		msgIDs:  make(map[string]struct{}),
	}
}

// ApplySnapshot reconciles a full snapshot into the local copy. Messages
// already known are kept once; membership is replaced wholesale since the
// snapshot is authoritative.
func (s *RoomState) ApplySnapshot(snap *room.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.name = snap.Name
	s.hostID = snap.CreatorID
	s.closed = !snap.IsActive

	s.members = make(map[string]user.Ref, len(snap.Members))
	for _, m := range snap.Members {
		s.members[m.ID] = m
	}

	for _, m := range snap.Messages {
		s.addMessageLocked(m)
	}

	s.song = snap.CurrentSong
}

// ApplyJoin merges a membership addition. Returns false for a duplicate,
// which receivers ignore.
func (s *RoomState) ApplyJoin(u user.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[u.ID]; ok {
		return false
	}
	s.members[u.ID] = u
	return true
}

// ApplyLeave merges a membership removal. Returns false if the member was
// already gone.
func (s *RoomState) ApplyLeave(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[userID]; !ok {
		return false
	}
	delete(s.members, userID)
	return true
}

// ApplyMessage merges a chat message, deduplicating by id.
func (s *RoomState) ApplyMessage(m chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMessageLocked(m)
}

// ApplySong replaces the current song descriptor (nil on song-ended).
func (s *RoomState) ApplySong(st *song.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.song = st
}

// ApplyClosed marks the room terminal.
func (s *RoomState) ApplyClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.members = make(map[string]user.Ref)
	s.song = nil
}

// Closed reports whether the room reached its terminal state.
func (s *RoomState) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Members returns the membership set sorted by user id.
func (s *RoomState) Members() []user.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]user.Ref, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Song returns the current song descriptor, or nil.
func (s *RoomState) Song() *song.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.song
}

// Messages returns the known message log in server order.
func (s *RoomState) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]chat.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *RoomState) addMessageLocked(m chat.Message) bool {
	if _, ok := s.msgIDs[m.ID]; ok {
		return false
	}
	s.msgIDs[m.ID] = struct{}{}
	s.msgs = append(s.msgs, m)
	sort.SliceStable(s.msgs, func(i, j int) bool { return s.msgs[i].Seq < s.msgs[j].Seq })
	return true
}
