package monitor

import (
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/smoother"
)

type EventKind int

const (
	EventEnter EventKind = iota + 1
	EventExit
	EventSample
	EventAuthorization
	EventMonitoringFailed
)

func (k EventKind) String() string {
	switch k {
	case EventEnter:
		return "enter"
	case EventExit:
		return "exit"
	case EventSample:
		return "sample"
	case EventAuthorization:
		return "authorization"
	case EventMonitoringFailed:
		return "monitoring_failed"
	default:
		return "unknown"
	}
}

// Event is a normalized monitoring notification keyed by site identity.
type Event struct {
	Kind     EventKind
	Identity beacon.Identity
	At       time.Time

	// Raw is the identifier the source reported, minor included.
	Raw beacon.RawIdentity

	// Confirmed marks an exit verified by a ranging burst that saw nothing.
	Confirmed bool

	// Reading is the smoothed value after an EventSample.
	Reading smoother.Reading
	RSSI    int

	Authorization beacon.AuthorizationStatus
	Err           error
}

// RegionStatus is a snapshot of one registered identity.
type RegionStatus struct {
	Identity      beacon.Identity
	Monitoring    bool
	Inside        bool
	BurstActive   bool
	BurstDeadline time.Time
}
