package period

import (
	"context"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// CalendarMonthResolver returns the calendar month containing a date
type CalendarMonthResolver struct {
	now Clock
}

// NewCalendarMonthResolver creates a resolver; a nil clock uses system time
func NewCalendarMonthResolver(now Clock) *CalendarMonthResolver {
	return &CalendarMonthResolver{now: orSystem(now)}
}

// Current returns the current month
func (r *CalendarMonthResolver) Current(ctx context.Context, accountID int64) (billing.Period, error) {
	return r.ForDate(ctx, r.now(), accountID)
}

// ForDate returns the month containing date, keyed "2006-01"
func (r *CalendarMonthResolver) ForDate(_ context.Context, date time.Time, _ int64) (billing.Period, error) {
	date = date.UTC()
	start := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := billing.EndOfDay(start.AddDate(0, 1, -1))
	return billing.Period{Start: start, End: end, Key: start.Format("2006-01")}, nil
}
