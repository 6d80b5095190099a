// Package sqlitestore keeps attendance sessions in the agent database so a
// closed session survives a restart until its check-out is acknowledged.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	dbpkg "github.com/BrandonDHaskell/Portunus/presence/internal/db"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/session"
)

type Store struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func New(db *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{db: db, writer: writer}
}

const sessionColumns = `session_key, beacon_uuid, beacon_major, site_id, user_id,
  started_at_ms, ended_at_ms, last_heartbeat_at_ms, last_ack_at_ms, end_reason`

func (s *Store) Save(ctx context.Context, sess session.AttendanceSession) error {
	var endedMs sql.NullInt64
	if sess.EndedAt != nil {
		endedMs = sql.NullInt64{Int64: sess.EndedAt.UTC().UnixMilli(), Valid: true}
	}
	uuidStr := sess.Identity.UUID.String()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if sess.Open() {
			var exists int
			err := tx.QueryRowContext(ctx, `
SELECT 1 FROM attendance_sessions
WHERE beacon_uuid = ? AND beacon_major = ? AND ended_at_ms IS NULL AND session_key <> ?
LIMIT 1;
`, uuidStr, int(sess.Identity.Major), sess.SessionKey).Scan(&exists)
			switch {
			case err == nil:
				return session.ErrAlreadyOpen
			case err != sql.ErrNoRows:
				return fmt.Errorf("Save check: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
INSERT INTO attendance_sessions(
  session_key, beacon_uuid, beacon_major, site_id, user_id,
  started_at_ms, ended_at_ms, last_heartbeat_at_ms, last_ack_at_ms, end_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_key) DO UPDATE SET
  ended_at_ms          = excluded.ended_at_ms,
  last_heartbeat_at_ms = excluded.last_heartbeat_at_ms,
  last_ack_at_ms       = MAX(attendance_sessions.last_ack_at_ms, excluded.last_ack_at_ms),
  end_reason           = excluded.end_reason;
`, sess.SessionKey, uuidStr, int(sess.Identity.Major), sess.SiteID, sess.UserID,
			sess.StartedAt.UTC().UnixMilli(), endedMs, sess.LastHeartbeatAt.UTC().UnixMilli(),
			sess.LastAckAt.UTC().UnixMilli(), sess.EndReason)
		if err != nil {
			return fmt.Errorf("Save: %w", err)
		}
		return nil
	})
}

func (s *Store) TouchAck(ctx context.Context, sessionKey string, at time.Time) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE attendance_sessions SET last_ack_at_ms = ?
WHERE session_key = ? AND last_ack_at_ms < ?;
`, at.UTC().UnixMilli(), sessionKey, at.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("TouchAck: %w", err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM attendance_sessions WHERE session_key = ?;`, sessionKey); err != nil {
			return fmt.Errorf("Delete: %w", err)
		}
		return nil
	})
}

func (s *Store) List(ctx context.Context) ([]session.AttendanceSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM attendance_sessions
ORDER BY started_at_ms, session_key;
`)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var out []session.AttendanceSession
	for rows.Next() {
		var (
			sess                          session.AttendanceSession
			uuidStr                       string
			major                         int
			startedMs, heartbeatMs, ackMs int64
			endedMs                       sql.NullInt64
		)
		if err := rows.Scan(&sess.SessionKey, &uuidStr, &major, &sess.SiteID, &sess.UserID,
			&startedMs, &endedMs, &heartbeatMs, &ackMs, &sess.EndReason); err != nil {
			return nil, fmt.Errorf("List scan: %w", err)
		}
		id, err := uuid.Parse(uuidStr)
		if err != nil {
			return nil, fmt.Errorf("List: session %s: %w", sess.SessionKey, err)
		}
		sess.Identity = beacon.Identity{UUID: id, Major: uint16(major)}
		sess.StartedAt = time.UnixMilli(startedMs).UTC()
		sess.LastHeartbeatAt = time.UnixMilli(heartbeatMs).UTC()
		sess.LastAckAt = time.UnixMilli(ackMs).UTC()
		if endedMs.Valid {
			t := time.UnixMilli(endedMs.Int64).UTC()
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List rows: %w", err)
	}
	return out, nil
}
