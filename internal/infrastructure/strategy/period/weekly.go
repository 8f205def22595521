package period

import (
	"context"
	"fmt"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// WeeklyResolver returns the ISO week (Monday to Sunday) containing a date
type WeeklyResolver struct {
	now Clock
}

// NewWeeklyResolver creates a resolver; a nil clock uses system time
func NewWeeklyResolver(now Clock) *WeeklyResolver {
	return &WeeklyResolver{now: orSystem(now)}
}

// Current returns the current week
func (r *WeeklyResolver) Current(ctx context.Context, accountID int64) (billing.Period, error) {
	return r.ForDate(ctx, r.now(), accountID)
}

// ForDate returns the week containing date, keyed by ISO year and week ("2026-W07")
func (r *WeeklyResolver) ForDate(_ context.Context, date time.Time, _ int64) (billing.Period, error) {
	day := billing.TruncateDay(date)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	start := day.AddDate(0, 0, -offset)
	end := billing.EndOfDay(start.AddDate(0, 0, 6))

	year, week := start.ISOWeek()
	return billing.Period{Start: start, End: end, Key: fmt.Sprintf("%04d-W%02d", year, week)}, nil
}
