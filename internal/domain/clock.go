package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the injected time source. Pure evaluation takes `now` as an
// argument; only the services that call it hold a Clock.
type Clock = clockwork.Clock

// NewRealClock returns the wall clock. Tests pass clockwork.NewFakeClockAt instead.
func NewRealClock() Clock {
	return clockwork.NewRealClock()
}

// NowUTC reads c, falling back to the wall clock when c is nil.
func NowUTC(c Clock) time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}
