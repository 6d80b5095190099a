// Package smoother turns raw RSSI samples into a stabilized per-beacon
// confidence signal using an exponentially weighted moving average.
package smoother

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
)

const (
	// DefaultAlpha weights new samples lightly so a single spike cannot flip
	// a presence decision.
	DefaultAlpha   = 0.2
	DefaultIdleTTL = 2 * time.Minute
)

// Config tunes the smoother.
type Config struct {
	// Alpha is the EWMA weight of the newest sample, in (0, 1].
	Alpha float64

	// IdleTTL is how long a reading survives without samples before Purge
	// evicts it. Memory hygiene only; presence logic does not depend on it.
	IdleTTL time.Duration
}

func (c Config) normalized() Config {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = DefaultAlpha
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	return c
}

// Reading is the smoothed state for one identity.
type Reading struct {
	Identity    beacon.Identity
	Value       float64
	SampleCount int
	LastUpdated time.Time
}

type entry struct {
	mu      sync.Mutex
	reading Reading
	evicted bool
}

// Smoother keeps one Reading per identity. Observe is safe from any
// goroutine; updates for the same identity are serialized on that
// identity's entry, never on a lock shared across sites.
type Smoother struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	entries map[beacon.Identity]*entry
}

func New(cfg Config, clk clock.Clock) *Smoother {
	return &Smoother{
		cfg:     cfg.normalized(),
		clock:   clock.OrReal(clk),
		entries: make(map[beacon.Identity]*entry),
	}
}

func (s *Smoother) entryFor(id beacon.Identity) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// Observe folds sample into its identity's average and returns the result.
// The first sample initializes the average to its raw value.
func (s *Smoother) Observe(sample beacon.Sample) Reading {
	at := sample.At
	if at.IsZero() {
		at = s.clock.Now()
	}

	for {
		e := s.entryFor(sample.Identity)
		e.mu.Lock()
		if e.evicted {
			// Lost a race with Purge; the entry is gone from the index.
			e.mu.Unlock()
			continue
		}

		r := e.reading
		if r.SampleCount == 0 {
			r = Reading{Identity: sample.Identity, Value: float64(sample.RSSI)}
		} else {
			r.Value = s.cfg.Alpha*float64(sample.RSSI) + (1-s.cfg.Alpha)*r.Value
		}
		r.SampleCount++
		if at.After(r.LastUpdated) {
			r.LastUpdated = at
		}
		e.reading = r
		e.mu.Unlock()
		return r
	}
}

// Reading returns the current smoothed reading for id.
func (s *Smoother) Reading(id beacon.Identity) (Reading, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return Reading{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || e.reading.SampleCount == 0 {
		return Reading{}, false
	}
	return e.reading, true
}

// Forget drops the reading for id.
func (s *Smoother) Forget(id beacon.Identity) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		e.mu.Lock()
		e.evicted = true
		e.mu.Unlock()
	}
}

// Purge evicts readings with no sample since now-IdleTTL and returns how
// many were removed.
func (s *Smoother) Purge(now time.Time) int {
	cutoff := now.Add(-s.cfg.IdleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		if e.reading.SampleCount == 0 || e.reading.LastUpdated.Before(cutoff) {
			e.evicted = true
			delete(s.entries, id)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked identities.
func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run purges idle readings every interval on the smoother's clock until
// ctx is cancelled.
func (s *Smoother) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.IdleTTL
	}
	tick := make(chan struct{}, 1)
	for {
		timer := s.clock.AfterFunc(interval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-tick:
			s.Purge(s.clock.Now())
		}
	}
}
