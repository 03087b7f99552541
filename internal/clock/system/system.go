// Package system adapts the wall clock to crawler.Clock.
package system

import "time"

// Clock reports wall-clock time in UTC, truncated to microseconds so that
// scraped_at and run timestamps survive a Postgres round trip unchanged.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time at microsecond precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
