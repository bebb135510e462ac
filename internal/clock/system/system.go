// Package system provides the wall-clock implementation of apply.Clock.
package system

import "time"

// Clock reports UTC wall time. Request timestamps, backoff schedules, and
// daily budget windows are all computed from it.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
