package period

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
)

// RollingDays is the length of a rolling period
const RollingDays = 30

// AccountFinder loads the account whose creation date anchors the periods
type AccountFinder interface {
	FindByID(ctx context.Context, id int64) (*billing.BillingAccount, error)
}

// RollingResolver splits time into consecutive 30-day windows starting on the
// day the account was created.
type RollingResolver struct {
	accounts AccountFinder
	now      Clock
}

// NewRollingResolver creates a resolver anchored on account creation
func NewRollingResolver(accounts AccountFinder, now Clock) *RollingResolver {
	return &RollingResolver{accounts: accounts, now: orSystem(now)}
}

// Current returns the window containing now
func (r *RollingResolver) Current(ctx context.Context, accountID int64) (billing.Period, error) {
	return r.ForDate(ctx, r.now(), accountID)
}

// ForDate returns window n = floor(days since anchor / 30), keyed "rolling-2006-01-02"
func (r *RollingResolver) ForDate(ctx context.Context, date time.Time, accountID int64) (billing.Period, error) {
	anchor, err := r.anchor(ctx, accountID)
	if err != nil {
		return billing.Period{}, err
	}

	days := int(billing.TruncateDay(date).Sub(anchor).Hours() / 24)
	n := floorDiv(days, RollingDays)
	start := anchor.AddDate(0, 0, n*RollingDays)
	end := billing.EndOfDay(start.AddDate(0, 0, RollingDays-1))

	return billing.Period{Start: start, End: end, Key: "rolling-" + start.Format(billing.DateLayout)}, nil
}

// anchor falls back to the first of the current month when the account is unknown
func (r *RollingResolver) anchor(ctx context.Context, accountID int64) (time.Time, error) {
	if r.accounts != nil && accountID > 0 {
		account, err := r.accounts.FindByID(ctx, accountID)
		switch {
		case err == nil && account != nil && !account.CreatedAt.IsZero():
			return billing.TruncateDay(account.CreatedAt), nil
		case err != nil && !errors.Is(err, shared.ErrNotFound):
			return time.Time{}, fmt.Errorf("load period anchor for account %d: %w", accountID, err)
		}
	}
	now := r.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
