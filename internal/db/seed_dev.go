package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedDevOptions struct {
	// Sites from the configured site map, pre-created and enabled in dev.
	KnownSites []string
}

// SeedDev pre-creates a starter site plus every configured site so a local
// collector accepts check-ins as known without an admin step.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	sites := append([]string{"site-dev"}, opt.KnownSites...)
	for _, id := range sites {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}

		if _, err := db.ExecContext(ctx, `
INSERT INTO sites(site_id, display_name, enabled, created_at_ms, updated_at_ms)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(site_id) DO UPDATE SET
  enabled = 1,
  updated_at_ms = excluded.updated_at_ms;
`, id, id, now, now); err != nil {
			return fmt.Errorf("seed site %s: %w", id, err)
		}
	}

	return nil
}
