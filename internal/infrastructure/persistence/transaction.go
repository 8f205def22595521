package persistence

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DeadlockRetries is how many times a transaction is attempted when the
// database reports a deadlock or serialization failure.
const DeadlockRetries = 3

// retryBackoff is the pause before the second attempt; it doubles each time
var retryBackoff = 10 * time.Millisecond

// RunInTransaction executes fn in a transaction on db, retrying the whole
// transaction up to attempts times on retryable driver errors. When db is
// already inside a transaction GORM nests fn in a savepoint.
func RunInTransaction(ctx context.Context, db *gorm.DB, attempts int, fn func(tx *gorm.DB) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	wait := retryBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if err == nil || !IsRetryable(err) || attempt == attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
