package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/types"
)

// AttendanceStore keeps the event log and session table in memory.
// It is intended for use in tests and dev environments.
type AttendanceStore struct {
	mu       sync.Mutex
	events   []store.AttendanceEventRecord
	keys     map[string]struct{}
	sessions map[string]store.SessionRecord
}

func NewAttendanceStore() *AttendanceStore {
	return &AttendanceStore{
		keys:     make(map[string]struct{}),
		sessions: make(map[string]store.SessionRecord),
	}
}

func (s *AttendanceStore) Apply(_ context.Context, rec store.AttendanceEventRecord) (bool, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = rec.ReceivedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.keys[rec.IdempotencyKey]; dup {
		return false, nil
	}
	s.keys[rec.IdempotencyKey] = struct{}{}
	s.events = append(s.events, rec)

	at := rec.OccurredAt
	sess, ok := s.sessions[rec.SessionKey]
	if !ok {
		sess = store.SessionRecord{SessionKey: rec.SessionKey, StartedAt: at, LastHeartbeatAt: at}
	}
	if at.After(sess.LastHeartbeatAt) {
		sess.LastHeartbeatAt = at
	}

	switch rec.EventType {
	case types.EventCheckIn:
		if sess.SiteID == "" {
			sess.SiteID = rec.SiteID
		}
		if sess.UserID == "" {
			sess.UserID = rec.UserID
		}
		if at.Before(sess.StartedAt) {
			sess.StartedAt = at
		}
	case types.EventCheckOut:
		if sess.EndedAt == nil || sess.EndReason == store.EndReasonTTLExpired {
			end := at
			sess.EndedAt = &end
			sess.EndReason = rec.Reason
		}
	}
	s.sessions[rec.SessionKey] = sess
	return true, nil
}

func (s *AttendanceStore) Session(_ context.Context, sessionKey string) (store.SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	return sess, ok, nil
}

func (s *AttendanceStore) ExpireSessions(_ context.Context, cutoff, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, sess := range s.sessions {
		if !sess.Open() || !sess.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		end := at
		sess.EndedAt = &end
		sess.EndReason = store.EndReasonTTLExpired
		s.sessions[key] = sess
		n++
	}
	return n, nil
}

func (s *AttendanceStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.ReceivedAt.Before(cutoff) {
			delete(s.keys, ev.IdempotencyKey)
			n++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept

	for key, sess := range s.sessions {
		if sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
			delete(s.sessions, key)
			n++
		}
	}
	return n, nil
}

// Events returns a copy of all recorded events.  Test-only helper.
func (s *AttendanceStore) Events() []store.AttendanceEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AttendanceEventRecord, len(s.events))
	copy(out, s.events)
	return out
}
