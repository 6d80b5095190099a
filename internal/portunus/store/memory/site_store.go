package memory

import (
	"context"
	"strings"
	"sync"
	"time"
)

type SiteStore struct {
	mu    sync.RWMutex
	known map[string]struct{}
	seen  map[string]time.Time
}

func NewSiteStore(knownSites []string) *SiteStore {
	k := make(map[string]struct{}, len(knownSites))
	for _, s := range knownSites {
		s = strings.TrimSpace(s)
		if s != "" {
			k[s] = struct{}{}
		}
	}
	return &SiteStore{
		known: k,
		seen:  make(map[string]time.Time),
	}
}

func (s *SiteStore) IsKnown(_ context.Context, siteID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[siteID]
	return ok, nil
}

func (s *SiteStore) MarkSeen(_ context.Context, siteID string, _ bool, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[siteID] = t
	return nil
}

// LastSeen reports when siteID was last marked. Test-only helper.
func (s *SiteStore) LastSeen(siteID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.seen[siteID]
	return t, ok
}
