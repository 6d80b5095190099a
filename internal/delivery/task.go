// Package delivery is the durable, idempotent, retrying outbound pipeline
// that reports check-in, heartbeat and check-out events to the collector.
//
// Every task is written to a Store before any network attempt. Attempts go
// through a per-endpoint circuit breaker; retryable failures are rescheduled
// with exponential backoff, terminal failures and exhausted retries are
// dead-lettered and reported. Acknowledged tasks are removed from the store.
package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
)

type EventType string

const (
	EventCheckIn   EventType = "checkin"
	EventHeartbeat EventType = "heartbeat"
	EventCheckOut  EventType = "checkout"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCheckIn, EventHeartbeat, EventCheckOut:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusAcknowledged Status = "acknowledged"
	StatusDeadLettered Status = "dead_lettered"
)

// Task is one outbound event. IdempotencyKey is the primary key both in the
// local store and on the collector.
type Task struct {
	IdempotencyKey string
	Endpoint       string
	EventType      EventType
	SessionKey     string
	Payload        []byte
	Attempt        int
	NextAttemptAt  time.Time
	Status         Status
	LastError      string
	CreatedAt      time.Time
}

// IdempotencyKey derives the task key from the fields that make an event
// unique. epoch distinguishes repeated events of the same type within one
// session (the heartbeat sequence number); it is 0 for check-in and
// check-out.
func IdempotencyKey(userID, siteID string, eventType EventType, sessionKey string, epoch int64) string {
	h := sha256.New()
	for _, part := range []string{userID, siteID, string(eventType), sessionKey, strconv.FormatInt(epoch, 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate rejects tasks that could never be delivered.
func (t Task) Validate() error {
	switch {
	case strings.TrimSpace(t.IdempotencyKey) == "":
		return errs.New(errs.CodeInvalidTask, "idempotency key is required")
	case strings.TrimSpace(t.Endpoint) == "":
		return errs.New(errs.CodeInvalidTask, "endpoint is required")
	case !t.EventType.Valid():
		return errs.WithMetadata(errs.CodeInvalidTask, "unknown event type",
			map[string]string{"event_type": string(t.EventType)})
	case len(t.Payload) == 0:
		return errs.New(errs.CodeInvalidTask, "payload is required")
	}
	return nil
}
