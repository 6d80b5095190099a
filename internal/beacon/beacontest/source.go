// Package beacontest provides an in-memory beacon.Source for tests.
package beacontest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
)

// ErrTooManyRegions mirrors the platform refusal when the monitoring table
// is full.
var ErrTooManyRegions = errors.New("beacontest: monitoring limit reached")

// Source records control calls and lets tests inject radio callbacks.
type Source struct {
	mu         sync.Mutex
	delegate   beacon.Delegate
	limit      int
	monitoring map[beacon.Identity]bool
	ranging    map[beacon.Identity]bool
	calls      []Call

	// FailStart, when set, is returned by StartMonitoring.
	FailStart error
}

// Call is one recorded control operation.
type Call struct {
	Op       string
	Identity beacon.Identity
}

// New returns a fake source that refuses more than limit monitored
// identities; limit <= 0 means unlimited.
func New(limit int) *Source {
	return &Source{
		limit:      limit,
		monitoring: make(map[beacon.Identity]bool),
		ranging:    make(map[beacon.Identity]bool),
	}
}

func (s *Source) SetDelegate(d beacon.Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
}

func (s *Source) StartMonitoring(_ context.Context, id beacon.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "start-monitoring", Identity: id})
	if s.FailStart != nil {
		return s.FailStart
	}
	if s.limit > 0 && !s.monitoring[id] && len(s.monitoring) >= s.limit {
		return ErrTooManyRegions
	}
	s.monitoring[id] = true
	return nil
}

func (s *Source) StopMonitoring(_ context.Context, id beacon.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "stop-monitoring", Identity: id})
	delete(s.monitoring, id)
	return nil
}

func (s *Source) StartRanging(_ context.Context, id beacon.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "start-ranging", Identity: id})
	s.ranging[id] = true
	return nil
}

func (s *Source) StopRanging(_ context.Context, id beacon.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "stop-ranging", Identity: id})
	delete(s.ranging, id)
	return nil
}

// Monitoring reports whether id is currently monitored.
func (s *Source) Monitoring(id beacon.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitoring[id]
}

// Ranging reports whether id is currently being ranged.
func (s *Source) Ranging(id beacon.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranging[id]
}

// Calls returns a copy of the recorded control calls.
func (s *Source) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Count returns how many recorded calls match op.
func (s *Source) Count(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (s *Source) current() beacon.Delegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

// Enter emits an enter callback.
func (s *Source) Enter(raw beacon.RawIdentity) {
	if d := s.current(); d != nil {
		d.OnEnter(raw)
	}
}

// Exit emits an exit callback.
func (s *Source) Exit(raw beacon.RawIdentity) {
	if d := s.current(); d != nil {
		d.OnExit(raw)
	}
}

// Range emits a ranging sample.
func (s *Source) Range(raw beacon.RawIdentity, rssi int, at time.Time) {
	if d := s.current(); d != nil {
		d.OnRanged(raw, rssi, at)
	}
}

// Authorize emits an authorization change.
func (s *Source) Authorize(status beacon.AuthorizationStatus) {
	if d := s.current(); d != nil {
		d.OnAuthorizationChanged(status)
	}
}

// Fail emits a monitoring failure.
func (s *Source) Fail(raw beacon.RawIdentity, err error) {
	if d := s.current(); d != nil {
		d.OnMonitoringFailed(raw, err)
	}
}
