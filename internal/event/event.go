// Package event defines the wire protocol of the session channel: the
// envelope every frame uses and the event names shared by client and
// server.
package event

import "encoding/json"

// Event names. The same names are used in both directions; direction and
// payload shape are documented per name.
const (
	// Membership lifecycle.
	JoinRoom           = "join-room"
	LeaveRoom          = "leave-room"
	UserJoinedWithData = "user-joined-with-data"
	UserLeftWithData   = "user-left-with-data"
	RoomClosed         = "room-closed"

	// Chat and typing indicators.
	NewMessage     = "new-message"
	UserTyping     = "user-typing"
	UserStopTyping = "user-stop-typing"

	// Playback coordination.
	SongDownloadStarted = "song-download-started"
	SongPlaying         = "song-playing"
	SongEnded           = "song-ended"
	SongError           = "song-error"
	PlaybackSync        = "playback-sync"
)

// Envelope is the frame format of the session channel: an event name plus
// an event-specific JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Marshal encodes an envelope with the given payload.
func Marshal(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: name, Data: data})
}
