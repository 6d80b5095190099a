// Package sqlitestore is the durable delivery.Store. Reads go straight to the
// pool; every write is a transaction on the single-writer db.Worker, so the
// scheduler and session manager never write the task table concurrently.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/presence/internal/db"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
)

type Store struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func New(db *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{db: db, writer: writer, now: time.Now}
}

const taskColumns = `idempotency_key, endpoint, event_type, session_key, payload,
  attempt, next_attempt_at_ms, status, last_error, created_at_ms`

func (s *Store) Insert(ctx context.Context, t delivery.Task) (bool, error) {
	createdMs := t.CreatedAt.UTC().UnixMilli()
	nowMs := s.now().UTC().UnixMilli()

	var inserted bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO delivery_tasks(
  idempotency_key, endpoint, event_type, session_key, payload,
  attempt, next_attempt_at_ms, status, last_error, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', '', ?, ?);
`, t.IdempotencyKey, t.Endpoint, string(t.EventType), t.SessionKey, t.Payload,
			t.Attempt, t.NextAttemptAt.UTC().UnixMilli(), createdMs, nowMs)
		if err != nil {
			return fmt.Errorf("Insert: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n == 1
		return nil
	})
	return inserted, err
}

func (s *Store) Get(ctx context.Context, key string) (delivery.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM delivery_tasks WHERE idempotency_key = ?;`, key)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return delivery.Task{}, false, nil
	}
	if err != nil {
		return delivery.Task{}, false, fmt.Errorf("Get: %w", err)
	}
	return t, true, nil
}

// ClaimDue selects and flips due rows inside one writer transaction so two
// drains can never claim the same task.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]delivery.Task, error) {
	if limit <= 0 {
		limit = delivery.DefaultBatchSize
	}
	nowMs := now.UTC().UnixMilli()

	var out []delivery.Task
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM delivery_tasks
WHERE status = 'pending' AND next_attempt_at_ms <= ?
ORDER BY next_attempt_at_ms, created_at_ms, idempotency_key
LIMIT ?;
`, nowMs, limit)
		if err != nil {
			return fmt.Errorf("ClaimDue select: %w", err)
		}
		out, err = scanTasks(rows)
		if err != nil {
			return fmt.Errorf("ClaimDue scan: %w", err)
		}

		for i := range out {
			if _, err := tx.ExecContext(ctx, `
UPDATE delivery_tasks SET status = 'in_flight', updated_at_ms = ? WHERE idempotency_key = ?;
`, nowMs, out[i].IdempotencyKey); err != nil {
				return fmt.Errorf("ClaimDue update: %w", err)
			}
			out[i].Status = delivery.StatusInFlight
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, key string) (delivery.Task, bool, error) {
	var (
		t  delivery.Task
		ok bool
	)
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE delivery_tasks SET status = 'in_flight', updated_at_ms = ?
WHERE idempotency_key = ? AND status = 'pending';
`, s.now().UTC().UnixMilli(), key)
		if err != nil {
			return fmt.Errorf("Claim update: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		t, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM delivery_tasks WHERE idempotency_key = ?;`, key))
		if err != nil {
			return fmt.Errorf("Claim select: %w", err)
		}
		ok = true
		return nil
	})
	return t, ok, err
}

func (s *Store) Acknowledge(ctx context.Context, key string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_tasks WHERE idempotency_key = ?;`, key); err != nil {
			return fmt.Errorf("Acknowledge: %w", err)
		}
		return nil
	})
}

func (s *Store) Reschedule(ctx context.Context, key string, attempt int, next time.Time, lastErr string) error {
	return s.exec(ctx, "Reschedule", `
UPDATE delivery_tasks
SET status = 'pending', attempt = ?, next_attempt_at_ms = ?, last_error = ?, updated_at_ms = ?
WHERE idempotency_key = ?;
`, key, attempt, next.UTC().UnixMilli(), lastErr, s.now().UTC().UnixMilli(), key)
}

func (s *Store) DeadLetter(ctx context.Context, key string, attempt int, lastErr string) error {
	return s.exec(ctx, "DeadLetter", `
UPDATE delivery_tasks
SET status = 'dead_lettered', attempt = ?, last_error = ?, updated_at_ms = ?
WHERE idempotency_key = ?;
`, key, attempt, lastErr, s.now().UTC().UnixMilli(), key)
}

func (s *Store) CancelPending(ctx context.Context, sessionKey string, eventType delivery.EventType) (int, error) {
	var n int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM delivery_tasks
WHERE session_key = ? AND event_type = ? AND status = 'pending';
`, sessionKey, string(eventType))
		if err != nil {
			return fmt.Errorf("CancelPending: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (s *Store) RecoverInFlight(ctx context.Context, now time.Time) (int, error) {
	nowMs := now.UTC().UnixMilli()
	var n int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE delivery_tasks
SET status = 'pending', next_attempt_at_ms = ?, updated_at_ms = ?
WHERE status = 'in_flight';
`, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("RecoverInFlight: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (s *Store) List(ctx context.Context, status delivery.Status, limit int) ([]delivery.Task, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM delivery_tasks
WHERE status = ?
ORDER BY created_at_ms, idempotency_key
LIMIT ?;
`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	out, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("List scan: %w", err)
	}
	return out, nil
}

func (s *Store) Requeue(ctx context.Context, key string, now time.Time) error {
	nowMs := now.UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE delivery_tasks
SET status = 'pending', attempt = 0, next_attempt_at_ms = ?, updated_at_ms = ?
WHERE idempotency_key = ? AND status = 'dead_lettered';
`, nowMs, nowMs, key)
		if err != nil {
			return fmt.Errorf("Requeue: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return errs.WithMetadata(errs.CodeNotFound, "no dead-lettered task",
				map[string]string{"idempotency_key": key})
		}
		return nil
	})
}

// exec runs a single-row update and reports errs.CodeNotFound when the row
// is gone.
func (s *Store) exec(ctx context.Context, op, query, key string, args ...any) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return errs.WithMetadata(errs.CodeNotFound, op+": no such task",
				map[string]string{"idempotency_key": key})
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (delivery.Task, error) {
	var (
		t                 delivery.Task
		eventType, status string
		nextMs, createdMs int64
	)
	if err := row.Scan(
		&t.IdempotencyKey, &t.Endpoint, &eventType, &t.SessionKey, &t.Payload,
		&t.Attempt, &nextMs, &status, &t.LastError, &createdMs,
	); err != nil {
		return delivery.Task{}, err
	}
	t.EventType = delivery.EventType(eventType)
	t.Status = delivery.Status(strings.TrimSpace(status))
	t.NextAttemptAt = time.UnixMilli(nextMs).UTC()
	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]delivery.Task, error) {
	defer rows.Close()
	var out []delivery.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
