package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/presence/internal/db"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/types"
)

type AttendanceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAttendanceStore(db *sql.DB, writer *dbpkg.Worker) *AttendanceStore {
	return &AttendanceStore{db: db, writer: writer}
}

func (s *AttendanceStore) Apply(ctx context.Context, rec store.AttendanceEventRecord) (bool, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = rec.ReceivedAt
	}
	receivedMs := rec.ReceivedAt.UTC().UnixMilli()
	occurredMs := rec.OccurredAt.UTC().UnixMilli()

	var known int
	if rec.SiteKnown {
		known = 1
	}

	var applied bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// The UNIQUE idempotency_key makes a replay a no-op.
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO attendance_events(
  idempotency_key, event_type, session_key, site_id, user_id, reason,
  occurred_at_ms, received_at_ms, site_known
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.IdempotencyKey, rec.EventType, rec.SessionKey, rec.SiteID, rec.UserID, rec.Reason,
			occurredMs, receivedMs, known)
		if err != nil {
			return fmt.Errorf("Apply insert event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		applied = true

		switch rec.EventType {
		case types.EventCheckIn:
			if rec.SiteID != "" {
				if err := ensureSite(ctx, tx, rec.SiteID, receivedMs); err != nil {
					return err
				}
			}
			_, err = tx.ExecContext(ctx, `
INSERT INTO collector_sessions(
  session_key, site_id, user_id, started_at_ms, last_heartbeat_at_ms
) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_key) DO UPDATE SET
  site_id = CASE WHEN collector_sessions.site_id = '' THEN excluded.site_id ELSE collector_sessions.site_id END,
  user_id = CASE WHEN collector_sessions.user_id = '' THEN excluded.user_id ELSE collector_sessions.user_id END,
  started_at_ms        = MIN(collector_sessions.started_at_ms, excluded.started_at_ms),
  last_heartbeat_at_ms = MAX(collector_sessions.last_heartbeat_at_ms, excluded.last_heartbeat_at_ms);
`, rec.SessionKey, rec.SiteID, rec.UserID, occurredMs, occurredMs)

		case types.EventHeartbeat:
			_, err = tx.ExecContext(ctx, `
INSERT INTO collector_sessions(
  session_key, started_at_ms, last_heartbeat_at_ms
) VALUES (?, ?, ?)
ON CONFLICT(session_key) DO UPDATE SET
  last_heartbeat_at_ms = MAX(collector_sessions.last_heartbeat_at_ms, excluded.last_heartbeat_at_ms);
`, rec.SessionKey, occurredMs, occurredMs)

		case types.EventCheckOut:
			// An agent check-out replaces a TTL expiry; any other close stands.
			_, err = tx.ExecContext(ctx, `
INSERT INTO collector_sessions(
  session_key, started_at_ms, last_heartbeat_at_ms, ended_at_ms, end_reason
) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_key) DO UPDATE SET
  last_heartbeat_at_ms = MAX(collector_sessions.last_heartbeat_at_ms, excluded.last_heartbeat_at_ms),
  ended_at_ms = CASE
    WHEN collector_sessions.ended_at_ms IS NULL OR collector_sessions.end_reason = ?
    THEN excluded.ended_at_ms ELSE collector_sessions.ended_at_ms END,
  end_reason = CASE
    WHEN collector_sessions.ended_at_ms IS NULL OR collector_sessions.end_reason = ?
    THEN excluded.end_reason ELSE collector_sessions.end_reason END;
`, rec.SessionKey, occurredMs, occurredMs, occurredMs, rec.Reason,
				store.EndReasonTTLExpired, store.EndReasonTTLExpired)

		default:
			return fmt.Errorf("Apply: unknown event type %q", rec.EventType)
		}
		if err != nil {
			return fmt.Errorf("Apply %s session: %w", rec.EventType, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *AttendanceStore) Session(ctx context.Context, sessionKey string) (store.SessionRecord, bool, error) {
	var (
		rec                    store.SessionRecord
		startedMs, heartbeatMs int64
		endedMs                sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT session_key, site_id, user_id, started_at_ms, last_heartbeat_at_ms, ended_at_ms, end_reason
FROM collector_sessions
WHERE session_key = ?;
`, sessionKey).Scan(&rec.SessionKey, &rec.SiteID, &rec.UserID, &startedMs, &heartbeatMs, &endedMs, &rec.EndReason)
	if err == sql.ErrNoRows {
		return store.SessionRecord{}, false, nil
	}
	if err != nil {
		return store.SessionRecord{}, false, fmt.Errorf("Session query: %w", err)
	}

	rec.StartedAt = time.UnixMilli(startedMs).UTC()
	rec.LastHeartbeatAt = time.UnixMilli(heartbeatMs).UTC()
	if endedMs.Valid {
		t := time.UnixMilli(endedMs.Int64).UTC()
		rec.EndedAt = &t
	}
	return rec, true, nil
}

// ExpireSessions uses idx_collector_sessions_open for the range scan.
func (s *AttendanceStore) ExpireSessions(ctx context.Context, cutoff, at time.Time) (int64, error) {
	var expired int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE collector_sessions
SET ended_at_ms = ?,
    end_reason  = ?
WHERE ended_at_ms IS NULL AND last_heartbeat_at_ms < ?;
`, at.UTC().UnixMilli(), store.EndReasonTTLExpired, cutoff.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("ExpireSessions: %w", err)
		}
		expired, _ = res.RowsAffected()
		return nil
	})
	return expired, err
}

// PruneOlderThan deletes event rows received before cutoff and sessions
// that ended before it.  Returns the number of rows deleted.
func (s *AttendanceStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM attendance_events
WHERE received_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan events: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n

		res, err = tx.ExecContext(ctx, `
DELETE FROM collector_sessions
WHERE ended_at_ms IS NOT NULL AND ended_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan sessions: %w", err)
		}
		n, _ = res.RowsAffected()
		deleted += n
		return nil
	})
	return deleted, err
}
