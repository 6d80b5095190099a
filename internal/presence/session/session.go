package session

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
)

// ExecutionMode is the host's foreground/background signal. Heartbeat
// intervals derive from it and nothing else.
type ExecutionMode string

const (
	Foreground ExecutionMode = "foreground"
	Background ExecutionMode = "background"
)

// Check-out reasons. The first two mirror the presence exit that closed the
// session.
const (
	ReasonConfirmedExit = "confirmed-exit"
	ReasonGraceTimeout  = "grace-timeout"
	ReasonAgentRestart  = "agent-restart"
)

// ErrAlreadyOpen is returned by a Store asked to save a second open
// session for the same beacon identity.
var ErrAlreadyOpen = errors.New("session: identity already has an open session")

// AttendanceSession is one visit to a site. It is open while EndedAt is nil
// and is kept in the Store until its check-out is acknowledged.
type AttendanceSession struct {
	SessionKey      string
	Identity        beacon.Identity
	SiteID          string
	UserID          string
	StartedAt       time.Time
	EndedAt         *time.Time
	LastHeartbeatAt time.Time
	// LastAckAt is the last time a check-in or heartbeat was acknowledged.
	LastAckAt time.Time
	EndReason string
}

func (s AttendanceSession) Open() bool { return s.EndedAt == nil }

func (s AttendanceSession) clone() AttendanceSession {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}

// Store persists sessions. Save is an upsert keyed by SessionKey; it must
// never move LastAckAt backwards and must reject a second open session per
// identity with ErrAlreadyOpen.
type Store interface {
	Save(ctx context.Context, s AttendanceSession) error
	TouchAck(ctx context.Context, sessionKey string, at time.Time) error
	Delete(ctx context.Context, sessionKey string) error
	List(ctx context.Context) ([]AttendanceSession, error)
}

// Deliverer is the slice of the delivery engine the manager drives.
type Deliverer interface {
	Enqueue(ctx context.Context, t delivery.Task) error
	DeliverNow(ctx context.Context, t delivery.Task) (delivery.Outcome, error)
	CancelPending(ctx context.Context, sessionKey string, eventType delivery.EventType) (int, error)
	Subscribe(fn func(delivery.Outcome)) (unsubscribe func())
}
