// Package period contains the resolvers that map a date to its billing period.
// All boundaries are computed in UTC.
package period

import "time"

// Resolver names accepted by configuration
const (
	NameCalendarMonth = "calendar_month"
	NameWeekly        = "weekly"
	NameRolling30     = "rolling_30"
)

// Clock returns the current time
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

func orSystem(c Clock) Clock {
	if c == nil {
		return systemClock
	}
	return c
}
