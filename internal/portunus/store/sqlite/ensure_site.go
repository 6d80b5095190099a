package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ensureSite guarantees a sites row exists for siteID so an operator can
// see and enable sites that agents report before they were configured.
//
// New rows start disabled; only an admin action (or the dev seeder) sets
// enabled=1.
//
// Must be called inside an existing transaction.
func ensureSite(ctx context.Context, tx *sql.Tx, siteID string, nowMs int64) error {
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO sites(
  site_id, display_name, enabled, created_at_ms, updated_at_ms
) VALUES (?, ?, 0, ?, ?);
`, siteID, siteID, nowMs, nowMs); err != nil {
		return fmt.Errorf("ensureSite %s: %w", siteID, err)
	}
	return nil
}
