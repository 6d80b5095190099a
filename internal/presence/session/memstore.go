package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store for tests and ephemeral agents.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]AttendanceSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]AttendanceSession)}
}

func (s *MemoryStore) Save(_ context.Context, sess AttendanceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.Open() {
		for key, other := range s.sessions {
			if key != sess.SessionKey && other.Open() && other.Identity == sess.Identity {
				return ErrAlreadyOpen
			}
		}
	}
	if prev, ok := s.sessions[sess.SessionKey]; ok && prev.LastAckAt.After(sess.LastAckAt) {
		sess.LastAckAt = prev.LastAckAt
	}
	s.sessions[sess.SessionKey] = sess.clone()
	return nil
}

func (s *MemoryStore) TouchAck(_ context.Context, sessionKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok || !at.After(sess.LastAckAt) {
		return nil
	}
	sess.LastAckAt = at
	s.sessions[sessionKey] = sess
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]AttendanceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AttendanceSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].SessionKey < out[j].SessionKey
	})
	return out, nil
}
