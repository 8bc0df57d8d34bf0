package chat

import (
	"context"
	"sort"
	"sync"
)

// Repository stores room message logs. Append assigns the server-side
// sequence number.
type Repository interface {
	Append(ctx context.Context, m *Message) error
	Recent(ctx context.Context, roomID string, n int) ([]Message, error)
}

// MemoryRepository is an in-memory Repository, used in tests and when no
// database is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	messages map[string][]Message
	seq      map[string]int64
}

// NewMemoryRepository creates an empty in-memory message repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages: make(map[string][]Message),
		seq:      make(map[string]int64),
	}
}

// Append assigns the next sequence number for the room and stores m.
func (r *MemoryRepository) Append(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq[m.RoomID]++
	m.Seq = r.seq[m.RoomID]
	r.messages[m.RoomID] = append(r.messages[m.RoomID], *m)
	return nil
}

// Recent returns the last n messages of a room in ascending order.
func (r *MemoryRepository) Recent(_ context.Context, roomID string, n int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.messages[roomID]
	if len(log) > n {
		log = log[len(log)-n:]
	}

	out := make([]Message, len(log))
	copy(out, log)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
