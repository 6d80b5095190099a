package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store"
)

// ErrSiteNotMarked wraps a failure to record the last-seen time. The
// lookup itself succeeded and its answer is still valid.
var ErrSiteNotMarked = errors.New("site last-seen not recorded")

// SiteRegistry answers whether a site is configured and records when each
// site last reported attendance, known or not.
type SiteRegistry struct {
	store store.SiteStore
}

func NewSiteRegistry(st store.SiteStore) *SiteRegistry {
	return &SiteRegistry{store: st}
}

// Resolve looks siteID up and stamps it as seen at the given time. A blank
// id is never known and is not recorded.
func (r *SiteRegistry) Resolve(ctx context.Context, siteID string, at time.Time) (bool, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return false, nil
	}

	known, err := r.store.IsKnown(ctx, siteID)
	if err != nil {
		return false, fmt.Errorf("site %s lookup: %w", siteID, err)
	}
	if err := r.store.MarkSeen(ctx, siteID, known, at.UTC()); err != nil {
		return known, fmt.Errorf("%w: %s: %w", ErrSiteNotMarked, siteID, err)
	}
	return known, nil
}
