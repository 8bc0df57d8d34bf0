package song

import "time"

// State is the descriptor and absolute schedule for the single track a room
// is currently playing. Exactly one State may exist per room at any instant.
type State struct {
	VideoID          string `json:"videoId" bson:"video_id"`
	Title            string `json:"title" bson:"title"`
	Channel          string `json:"channel" bson:"channel"`
	Thumbnail        string `json:"thumbnail" bson:"thumbnail"`
	AssetURL         string `json:"assetUrl" bson:"asset_url"`
	DurationSeconds  int    `json:"durationSeconds" bson:"duration_seconds"`
	SharerID         string `json:"sharerId" bson:"sharer_id"`
	StartTimeEpochMs int64  `json:"startTimeEpochMs" bson:"start_time_epoch_ms"`
	EndTimeEpochMs   int64  `json:"endTimeEpochMs" bson:"end_time_epoch_ms"`
}

// Schedule stamps the absolute start and end of playback: start is now plus
// the broadcast lead, end follows from the track duration.
func (s *State) Schedule(now time.Time, lead time.Duration) {
	s.StartTimeEpochMs = now.Add(lead).UnixMilli()
	s.EndTimeEpochMs = s.StartTimeEpochMs + int64(s.DurationSeconds)*1000
}

// PositionAt returns the playback position in seconds at the given instant.
// Before the scheduled start it is 0; past the end it is clamped to the
// track duration.
func (s *State) PositionAt(now time.Time) float64 {
	elapsed := float64(now.UnixMilli()-s.StartTimeEpochMs) / 1000
	if elapsed < 0 {
		return 0
	}
	if elapsed > float64(s.DurationSeconds) {
		return float64(s.DurationSeconds)
	}
	return elapsed
}

// RemainingAt returns the seconds of playback left at the given instant.
func (s *State) RemainingAt(now time.Time) float64 {
	remaining := float64(s.EndTimeEpochMs-now.UnixMilli()) / 1000
	if remaining < 0 {
		return 0
	}
	return remaining
}

// EndedAt reports whether the scheduled end has passed.
func (s *State) EndedAt(now time.Time) bool {
	return now.UnixMilli() >= s.EndTimeEpochMs
}
