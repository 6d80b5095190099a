// Package memstore is a non-durable delivery.Store for tests and for
// running the agent without a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
)

type Store struct {
	mu    sync.Mutex
	tasks map[string]delivery.Task
}

func New() *Store {
	return &Store{tasks: make(map[string]delivery.Task)}
}

func (s *Store) Insert(_ context.Context, t delivery.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.IdempotencyKey]; ok {
		return false, nil
	}
	t.Payload = append([]byte(nil), t.Payload...)
	s.tasks[t.IdempotencyKey] = t
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) (delivery.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	return t, ok, nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]delivery.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []delivery.Task
	for _, t := range s.tasks {
		if t.Status == delivery.StatusPending && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sortTasks(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = delivery.StatusInFlight
		s.tasks[due[i].IdempotencyKey] = due[i]
	}
	return due, nil
}

func (s *Store) Claim(_ context.Context, key string) (delivery.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok || t.Status != delivery.StatusPending {
		return delivery.Task{}, false, nil
	}
	t.Status = delivery.StatusInFlight
	s.tasks[key] = t
	return t, true, nil
}

func (s *Store) Acknowledge(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, key)
	return nil
}

func (s *Store) Reschedule(_ context.Context, key string, attempt int, next time.Time, lastErr string) error {
	return s.update(key, func(t *delivery.Task) {
		t.Status = delivery.StatusPending
		t.Attempt = attempt
		t.NextAttemptAt = next
		t.LastError = lastErr
	})
}

func (s *Store) DeadLetter(_ context.Context, key string, attempt int, lastErr string) error {
	return s.update(key, func(t *delivery.Task) {
		t.Status = delivery.StatusDeadLettered
		t.Attempt = attempt
		t.LastError = lastErr
	})
}

func (s *Store) CancelPending(_ context.Context, sessionKey string, eventType delivery.EventType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, t := range s.tasks {
		if t.SessionKey == sessionKey && t.EventType == eventType && t.Status == delivery.StatusPending {
			delete(s.tasks, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) RecoverInFlight(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, t := range s.tasks {
		if t.Status == delivery.StatusInFlight {
			t.Status = delivery.StatusPending
			t.NextAttemptAt = now
			s.tasks[k] = t
			n++
		}
	}
	return n, nil
}

func (s *Store) List(_ context.Context, status delivery.Status, limit int) ([]delivery.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Requeue(_ context.Context, key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok || t.Status != delivery.StatusDeadLettered {
		return errs.WithMetadata(errs.CodeNotFound, "no dead-lettered task",
			map[string]string{"idempotency_key": key})
	}
	t.Status = delivery.StatusPending
	t.Attempt = 0
	t.NextAttemptAt = now
	s.tasks[key] = t
	return nil
}

// Len returns the number of stored tasks of any status.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Store) update(key string, fn func(*delivery.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return errs.WithMetadata(errs.CodeNotFound, "no such task",
			map[string]string{"idempotency_key": key})
	}
	fn(&t)
	s.tasks[key] = t
	return nil
}

func sortTasks(ts []delivery.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].NextAttemptAt.Equal(ts[j].NextAttemptAt) {
			return ts[i].NextAttemptAt.Before(ts[j].NextAttemptAt)
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].IdempotencyKey < ts[j].IdempotencyKey
	})
}
