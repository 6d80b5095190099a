// Package clock provides the time source and cancellable scheduling primitive
// used by every timer in the presence engine: confirmation windows, grace
// windows, ranging bursts, heartbeats and retry backoff.
//
// Nothing in the engine sleeps. Timeouts are always scheduled callbacks that
// can be stopped, so early evidence reliably prevents a stale timeout.
package clock

import "time"

// Timer is a scheduled callback. Stop reports whether the call stopped the
// timer before it fired.
type Timer interface {
	Stop() bool
}

// Clock is a monotonic time source plus a "fire after duration" primitive.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// OrReal returns c, or the real clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
