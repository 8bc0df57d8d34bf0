package user

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a user id does not resolve.
var ErrNotFound = errors.New("user not found")

// Repository reads user references from the external user store.
type Repository interface {
	Get(ctx context.Context, id string) (Ref, error)
	Put(ctx context.Context, u Ref) error
}

// MemoryRepository is an in-memory Repository, used in tests and when no
// database is configured.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]Ref
}

// NewMemoryRepository creates an empty in-memory user repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]Ref)}
}

// Get returns the user reference for id.
func (r *MemoryRepository) Get(_ context.Context, id string) (Ref, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return Ref{}, ErrNotFound
	}
	return u, nil
}

// Put stores or replaces a user reference.
func (r *MemoryRepository) Put(_ context.Context, u Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	return nil
}
