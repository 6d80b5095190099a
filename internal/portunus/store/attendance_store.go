package store

import (
	"context"
	"time"
)

// Session end reasons set by the collector itself.
const (
	EndReasonTTLExpired = "ttl-expired"
)

// AttendanceEventRecord is one accepted check-in, heartbeat or check-out.
type AttendanceEventRecord struct {
	IdempotencyKey string
	EventType      string
	SessionKey     string
	SiteID         string
	UserID         string
	Reason         string
	OccurredAt     time.Time // agent-reported; ReceivedAt when absent
	ReceivedAt     time.Time
	SiteKnown      bool
}

// SessionRecord is the collector's view of an attendance session. A
// heartbeat or check-out that arrives before its check-in creates the
// session with empty SiteID and UserID; the check-in fills them in later.
type SessionRecord struct {
	SessionKey      string
	SiteID          string
	UserID          string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	EndedAt         *time.Time
	EndReason       string
}

func (r SessionRecord) Open() bool { return r.EndedAt == nil }

// AttendanceStore persists the append-only event log and the session
// table. Apply is atomic: either the event is new and both the log and its
// session effect are written, or the key was seen before and nothing
// changes (applied=false).
type AttendanceStore interface {
	Apply(ctx context.Context, rec AttendanceEventRecord) (applied bool, err error)
	Session(ctx context.Context, sessionKey string) (SessionRecord, bool, error)

	// ExpireSessions closes open sessions whose last heartbeat is before
	// cutoff, stamping them with at and EndReasonTTLExpired.
	ExpireSessions(ctx context.Context, cutoff, at time.Time) (int64, error)

	// PruneOlderThan deletes events received before cutoff and closed
	// sessions that ended before it.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// IdempotencyGuard is an optional fast-path in front of the store. Claim
// returns false when the key was claimed before; Release gives a claim
// back after a failed write so the retry is not mistaken for a duplicate.
type IdempotencyGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}
