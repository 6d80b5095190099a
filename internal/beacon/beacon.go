// Package beacon defines beacon identities and the contract of the external
// radio subsystem (Source) that discovers beacons and reports enter, exit and
// ranging callbacks.
package beacon

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is a physical site anchor: proximity UUID plus major. The minor
// rotates on the transmitter and is never part of identity.
type Identity struct {
	UUID  uuid.UUID
	Major uint16
}

func (id Identity) String() string {
	return id.UUID.String() + ":" + strconv.Itoa(int(id.Major))
}

// IsZero reports whether id is the zero identity.
func (id Identity) IsZero() bool {
	return id.UUID == uuid.Nil && id.Major == 0
}

// ParseIdentity parses "uuid:major". The UUID is canonicalized, so differently
// cased inputs for the same anchor compare equal.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return Identity{}, fmt.Errorf("beacon identity %q: want uuid:major", s)
	}
	u, err := uuid.Parse(s[:i])
	if err != nil {
		return Identity{}, fmt.Errorf("beacon identity %q: %w", s, err)
	}
	major, err := strconv.ParseUint(s[i+1:], 10, 16)
	if err != nil {
		return Identity{}, fmt.Errorf("beacon identity %q major: %w", s, err)
	}
	return Identity{UUID: u, Major: uint16(major)}, nil
}

// RawIdentity is what the radio reports, including the rotating minor.
type RawIdentity struct {
	UUID  uuid.UUID
	Major uint16
	Minor uint16
}

// Identity drops the minor.
func (r RawIdentity) Identity() Identity {
	return Identity{UUID: r.UUID, Major: r.Major}
}

func (r RawIdentity) String() string {
	return r.Identity().String() + "/" + strconv.Itoa(int(r.Minor))
}

// Sample is one signal-strength observation. Immutable once produced.
type Sample struct {
	Identity Identity
	RSSI     int
	At       time.Time
}

// AuthorizationStatus is the location/radio permission state reported by
// the host.
type AuthorizationStatus string

const (
	AuthorizationUnknown    AuthorizationStatus = "unknown"
	AuthorizationAlways     AuthorizationStatus = "always"
	AuthorizationWhenInUse  AuthorizationStatus = "when-in-use"
	AuthorizationDenied     AuthorizationStatus = "denied"
	AuthorizationRestricted AuthorizationStatus = "restricted"
)

// Permits reports whether monitoring may run under this status.
func (s AuthorizationStatus) Permits() bool {
	switch s {
	case AuthorizationDenied, AuthorizationRestricted:
		return false
	default:
		return true
	}
}

// Delegate receives asynchronous callbacks from a Source. Callbacks may arrive
// concurrently from several goroutines.
type Delegate interface {
	OnEnter(raw RawIdentity)
	OnExit(raw RawIdentity)
	OnRanged(raw RawIdentity, rssi int, at time.Time)
	OnAuthorizationChanged(status AuthorizationStatus)
	OnMonitoringFailed(raw RawIdentity, err error)
}

// Source is the radio subsystem. There is one per process; callers must not
// register more than the source's fixed maximum of monitored identities.
// Control calls must not invoke the Delegate synchronously.
type Source interface {
	StartMonitoring(ctx context.Context, id Identity) error
	StopMonitoring(ctx context.Context, id Identity) error
	StartRanging(ctx context.Context, id Identity) error
	StopRanging(ctx context.Context, id Identity) error
	SetDelegate(d Delegate)
}
