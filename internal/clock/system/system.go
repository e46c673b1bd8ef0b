// Package system provides the wall clock used by crawl passes.
package system

import "time"

// Precision matches Postgres timestamptz so a timestamp read back from the
// database equals the one that was written.
const Precision = time.Microsecond

// Clock implements crawler.Clock.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
