package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"anybank/internal/sentinel"
	id "anybank/pkg/domain"
)

// InMemoryStore stores sessions in memory for tests/dev.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*Session
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[id.SessionID]*Session)}
}

func (s *InMemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, sessionID id.SessionID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return cloneSession(sess), nil
	}
	return nil, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) Update(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, sessionID id.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[id.SessionID]*Session)
	return nil
}

// cloneSession keeps callers from mutating stored state without an Update.
func cloneSession(sess *Session) *Session {
	out := *sess
	if sess.Tokens != nil {
		tokens := *sess.Tokens
		out.Tokens = &tokens
	}
	return &out
}
