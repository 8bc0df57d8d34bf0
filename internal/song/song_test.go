package song

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedule(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	s := &State{DurationSeconds: 180}
	s.Schedule(now, 300*time.Millisecond)

	assert.Equal(t, now.UnixMilli()+300, s.StartTimeEpochMs)
	assert.Equal(t, s.StartTimeEpochMs+180_000, s.EndTimeEpochMs)
}

func TestPositionAt(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	s := &State{DurationSeconds: 180}
	s.Schedule(start, 0)

	tests := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"before start", start.Add(-5 * time.Second), 0},
		{"at start", start, 0},
		{"mid song", start.Add(42 * time.Second), 42},
		{"fractional", start.Add(1500 * time.Millisecond), 1.5},
		{"past end clamps to duration", start.Add(400 * time.Second), 180},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.PositionAt(tt.at), 0.001)
		})
	}
}

func TestRemainingAt(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	s := &State{DurationSeconds: 180}
	s.Schedule(start, 0)

	assert.InDelta(t, 180, s.RemainingAt(start), 0.001)
	assert.InDelta(t, 60, s.RemainingAt(start.Add(2*time.Minute)), 0.001)
	assert.Zero(t, s.RemainingAt(start.Add(10*time.Minute)))
}

func TestEndedAt(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	s := &State{DurationSeconds: 180}
	s.Schedule(start, 0)

	assert.False(t, s.EndedAt(start))
	assert.False(t, s.EndedAt(start.Add(179*time.Second)))
	assert.True(t, s.EndedAt(start.Add(180*time.Second)))
	assert.True(t, s.EndedAt(start.Add(time.Hour)))
}
