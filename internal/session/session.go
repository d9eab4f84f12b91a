// Package session tracks downstream streamable-HTTP client sessions.
//
// Unlike an identity-bound session, a hub session carries no credentials; it
// exists only so a downstream client's SSE stream (opened via GET) and its
// JSON-RPC calls (sent via POST) can be correlated by Mcp-Session-Id, and so
// an idle client's resources are eventually reclaimed.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id is unknown or has expired.
var ErrNotFound = errors.New("session: not found")

// Session is a downstream client session.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ttl            time.Duration
}

func (s *Session) isExpired(now time.Time) bool {
	return now.Sub(s.LastAccessedAt) > s.ttl
}

// Store is an in-memory, TTL-based session store. Thread-safe.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewStore creates a session store with the given per-session TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// StartSweeper runs a background goroutine that evicts expired sessions
// every interval, until Stop is called.
func (s *Store) StartSweeper(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SweepExpired()
			}
		}
	}()
}

// Stop halts the sweeper goroutine, if running. Safe to call multiple times
// and safe to call even if StartSweeper was never called.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Create allocates a new session with a random id.
func (s *Store) Create() *Session {
	now := time.Now()
	sess := &Session{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		LastAccessedAt: now,
		ttl:            s.ttl,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Touch updates a session's last-accessed time, extending its TTL, and
// returns it. Returns ErrNotFound if the session is unknown or expired.
func (s *Store) Touch(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	if sess.isExpired(now) {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	sess.LastAccessedAt = now
	return sess, nil
}

// Get returns a session without updating its last-accessed time.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || sess.isExpired(time.Now()) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Delete removes a session. A no-op if the id is unknown.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SweepExpired removes all expired sessions and returns how many were removed.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for id, sess := range s.sessions {
		if sess.isExpired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Count returns the number of live sessions tracked.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
