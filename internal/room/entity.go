package room

import (
	"time"

	"listenalong/internal/chat"
	"listenalong/internal/song"
	"listenalong/internal/user"
)

// Room is the authoritative state of one collaborative session. CurrentSong
// is nil or exactly one value, never a queue. A room with IsActive=false is
// terminal: it has no members and accepts no further events.
type Room struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	CreatorID   string              `json:"creatorId"`
	IsActive    bool                `json:"isActive"`
	Members     map[string]user.Ref `json:"members"`
	CurrentSong *song.State         `json:"currentSong,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// IsMember reports whether userID is in the membership set.
func (r *Room) IsMember(userID string) bool {
	_, ok := r.Members[userID]
	return ok
}

// Snapshot is the full room state returned to a (re)joining client in one
// round trip. When a song is in progress it carries the live position so a
// late joiner seeks instead of starting from zero.
type Snapshot struct {
	ID                     string         `json:"id"`
	Name                   string         `json:"name"`
	CreatorID              string         `json:"creatorId"`
	IsActive               bool           `json:"isActive"`
	Members                []user.Ref     `json:"members"`
	Messages               []chat.Message `json:"messages"`
	CurrentSong            *song.State    `json:"currentSong,omitempty"`
	CurrentPositionSeconds float64        `json:"currentPositionSeconds,omitempty"`
	RemainingTimeSeconds   float64        `json:"remainingTimeSeconds,omitempty"`
}
