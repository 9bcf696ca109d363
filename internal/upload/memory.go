package upload

import (
	"context"
	"sync"
)

// Compile-time check that MemorySessionStore implements SessionStore.
var _ SessionStore = (*MemorySessionStore)(nil)

// MemorySessionStore is an in-memory implementation of SessionStore.
// It uses a map with RWMutex for thread-safe access.
// Suitable for single-process deployments; swap for DynamoSessionStore
// when sessions must survive a restart.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
	}
}

// Save persists a session to the in-memory storage.
// Stores a clone to avoid external mutations.
func (r *MemorySessionStore) Save(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s.Clone()
	return nil
}

// FindByID retrieves a session by its ID.
// Returns a clone to prevent external mutations.
func (r *MemorySessionStore) FindByID(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// List returns all sessions in the store.
func (r *MemorySessionStore) List(_ context.Context) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.Clone())
	}
	return result, nil
}

// Delete removes a session from the store.
func (r *MemorySessionStore) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}
