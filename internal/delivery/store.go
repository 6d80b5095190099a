package delivery

import (
	"context"
	"time"
)

// Store is the durable task table. Implementations must make every method
// atomic with respect to the others; the SQLite store does this by routing
// writes through a single-writer queue.
type Store interface {
	// Insert writes a pending task. A task whose key already exists is left
	// untouched and inserted is false.
	Insert(ctx context.Context, t Task) (inserted bool, err error)

	Get(ctx context.Context, key string) (Task, bool, error)

	// ClaimDue moves up to limit pending tasks due at or before now to
	// in-flight and returns them ordered by due time, then creation time.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Task, error)

	// Claim moves one pending task to in-flight regardless of due time.
	Claim(ctx context.Context, key string) (Task, bool, error)

	// Acknowledge deletes a delivered task.
	Acknowledge(ctx context.Context, key string) error

	// Reschedule returns an in-flight task to pending.
	Reschedule(ctx context.Context, key string, attempt int, next time.Time, lastErr string) error

	DeadLetter(ctx context.Context, key string, attempt int, lastErr string) error

	// CancelPending deletes pending tasks of eventType for sessionKey.
	// In-flight tasks are not touched.
	CancelPending(ctx context.Context, sessionKey string, eventType EventType) (int, error)

	// RecoverInFlight returns every in-flight task to pending, due now.
	RecoverInFlight(ctx context.Context, now time.Time) (int, error)

	// List returns tasks with status, oldest first. limit <= 0 means all.
	List(ctx context.Context, status Status, limit int) ([]Task, error)

	// Requeue moves a dead-lettered task back to pending with a fresh
	// attempt budget. It fails with errs.CodeNotFound when no dead-lettered
	// task has key.
	Requeue(ctx context.Context, key string, now time.Time) error
}
