package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/presence/internal/db"
)

type SiteStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSiteStore(db *sql.DB, writer *dbpkg.Worker) *SiteStore {
	return &SiteStore{db: db, writer: writer}
}

// IsKnown treats "known" as "row exists and enabled".
func (s *SiteStore) IsKnown(ctx context.Context, siteID string) (bool, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return false, nil
	}

	var enabled int
	err := s.db.QueryRowContext(ctx, `
SELECT enabled FROM sites WHERE site_id = ?;
`, siteID).Scan(&enabled)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}
	return enabled == 1, nil
}

// MarkSeen ensures the site row exists (even if unknown) and updates
// last_seen.
func (s *SiteStore) MarkSeen(ctx context.Context, siteID string, _ bool, t time.Time) error {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureSite(ctx, tx, siteID, ms); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE sites
SET last_seen_at_ms = ?,
    updated_at_ms   = ?
WHERE site_id = ?;
`, ms, ms, siteID); err != nil {
			return fmt.Errorf("MarkSeen update site: %w", err)
		}

		return nil
	})
}
