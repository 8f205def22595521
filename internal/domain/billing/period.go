package billing

import (
	"context"
	"time"
)

// DateLayout is the storage format of period boundaries
const DateLayout = "2006-01-02"

// Period is a billing window. Start and End are inclusive, in UTC.
type Period struct {
	Start time.Time
	End   time.Time
	Key   string
}

// StartDate returns the period start truncated to a calendar day
func (p Period) StartDate() time.Time {
	return TruncateDay(p.Start)
}

// EndDate returns the period end truncated to a calendar day
func (p Period) EndDate() time.Time {
	return TruncateDay(p.End)
}

// Contains reports whether t falls within the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// String returns the period key
func (p Period) String() string {
	return p.Key
}

// TruncateDay returns midnight UTC of t's calendar day
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last nanosecond of t's calendar day in UTC
func EndOfDay(t time.Time) time.Time {
	return TruncateDay(t).Add(24*time.Hour - time.Nanosecond)
}

// PeriodResolver maps a date to the billing period containing it.
// The account id lets resolvers anchor periods to account creation.
type PeriodResolver interface {
	// Current returns the period containing now
	Current(ctx context.Context, accountID int64) (Period, error)
	// ForDate returns the period containing date
	ForDate(ctx context.Context, date time.Time, accountID int64) (Period, error)
}
