package config

import (
	"sync"
	"time"
)

// Metrics holds server counters, guarded by a mutex.
type Metrics struct {
	mu sync.RWMutex

	totalConnections  int64
	activeConnections int64
	totalRooms        int64
	activeRooms       int64
	totalMessages     int64
	songsPlayed       int64
	startTime         time.Time
}

// MetricsSnapshot is the serializable view of the counters.
type MetricsSnapshot struct {
	TotalConnections  int64     `json:"total_connections"`
	ActiveConnections int64     `json:"active_connections"`
	TotalRooms        int64     `json:"total_rooms"`
	ActiveRooms       int64     `json:"active_rooms"`
	TotalMessages     int64     `json:"total_messages"`
	SongsPlayed       int64     `json:"songs_played"`
	StartTime         time.Time `json:"start_time"`
}

// NewMetrics creates a metrics tracker stamped with the start time.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// ConnectionOpened increments the connection counters.
func (m *Metrics) ConnectionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalConnections++
	m.activeConnections++
}

// ConnectionClosed decrements the active connection counter.
func (m *Metrics) ConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections--
}

// RoomCreated increments the room counters.
func (m *Metrics) RoomCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRooms++
	m.activeRooms++
}

// RoomClosed decrements the active room counter.
func (m *Metrics) RoomClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeRooms--
}

// MessageSent increments the message counter.
func (m *Metrics) MessageSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalMessages++
}

// SongPlayed increments the songs-played counter.
func (m *Metrics) SongPlayed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.songsPlayed++
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		TotalConnections:  m.totalConnections,
		ActiveConnections: m.activeConnections,
		TotalRooms:        m.totalRooms,
		ActiveRooms:       m.activeRooms,
		TotalMessages:     m.totalMessages,
		SongsPlayed:       m.songsPlayed,
		StartTime:         m.startTime,
	}
}
