package upload

import "context"

// SessionStore defines the interface for upload session persistence.
// It acts as a port so the registry can be backed by memory, a key-value
// store, or a database without changing the service logic.
type SessionStore interface {
	// Save persists a session. If the session already exists, it is updated.
	Save(ctx context.Context, s *Session) error

	// FindByID retrieves a session by its unique identifier.
	// Returns ErrSessionNotFound if the session does not exist.
	FindByID(ctx context.Context, id string) (*Session, error)

	// List returns all live sessions. Used by the expiry sweeper.
	List(ctx context.Context) ([]*Session, error)

	// Delete removes a session.
	// Returns ErrSessionNotFound if the session does not exist.
	Delete(ctx context.Context, id string) error
}
