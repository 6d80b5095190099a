package store

import (
	"context"
	"time"
)

type SiteStore interface {
	IsKnown(ctx context.Context, siteID string) (bool, error)
	MarkSeen(ctx context.Context, siteID string, known bool, t time.Time) error
}
