package session

import (
	"context"
	"time"

	id "anybank/pkg/domain"
)

// Error Contract:
// All store methods follow this pattern:
// - Return sentinel.ErrNotFound (wrapped) when the session does not exist
// - Return nil for successful operations
// - Return wrapped errors with context for infrastructure failures
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, sessionID id.SessionID) error

	// DeleteExpired removes sessions past their expiry as of now. The time is
	// injected for testability.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Clear wipes all sessions. Administrative reset only.
	Clear(ctx context.Context) error
}
