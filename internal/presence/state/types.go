package state

import (
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/smoother"
)

type State int

const (
	NotPresent State = iota
	Entering
	Present
	Leaving
	SoftExitPending
)

func (s State) String() string {
	switch s {
	case NotPresent:
		return "not_present"
	case Entering:
		return "entering"
	case Present:
		return "present"
	case Leaving:
		return "leaving"
	case SoftExitPending:
		return "soft_exit_pending"
	default:
		return "unknown"
	}
}

// Transition reasons. Exits that commit carry ReasonConfirmedExit or
// ReasonGraceTimeout; the session layer forwards them as check-out reasons.
const (
	ReasonEnter          = "enter"
	ReasonEvidence       = "evidence"
	ReasonInside         = "inside"
	ReasonEntryTimeout   = "entry-timeout"
	ReasonEntryAbandoned = "entry-abandoned"
	ReasonExitEvent      = "exit-event"
	ReasonWeakEvidence   = "weak-evidence"
	ReasonRecovered      = "recovered"
	ReasonLeavingTimeout = "leaving-timeout"
	ReasonConfirmedExit  = "confirmed-exit"
	ReasonGraceTimeout   = "grace-timeout"
)

// Record is the presence state of one site. It exists from the first
// Entering transition until the identity returns to NotPresent.
type Record struct {
	Identity         beacon.Identity
	State            State
	EnteredAt        time.Time
	LastEvidenceAt   time.Time
	SoftExitDeadline *time.Time
}

func (r Record) clone() Record {
	if r.SoftExitDeadline != nil {
		d := *r.SoftExitDeadline
		r.SoftExitDeadline = &d
	}
	return r
}

// Transition is published for every state change. Record is the snapshot
// after the change; for a transition to NotPresent it is the final record.
type Transition struct {
	Identity beacon.Identity
	From     State
	To       State
	At       time.Time
	Reason   string
	Record   Record
}

// Evidence is a smoothed reading plus any corroborating signals (motion,
// challenge-response) observed alongside it.
type Evidence struct {
	Identity beacon.Identity
	Reading  smoother.Reading
	At       time.Time

	// Corroborations counts independent signals agreeing the user is on
	// site. Each one lowers the confirmation threshold by a fixed step.
	Corroborations int
}
