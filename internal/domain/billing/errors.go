package billing

import (
	"fmt"

	"github.com/usagelimiter/backend/internal/domain/shared"
)

// UsageLimitExceededError is returned when a reservation is denied by enforcement,
// or when the account or metric cannot take usage at all.
type UsageLimitExceededError struct {
	AccountID  int64
	MetricCode string
	Result     *ReservationResult
	Message    string
}

func (e *UsageLimitExceededError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Usage limit exceeded for metric '%s' on billing account %d", e.MetricCode, e.AccountID)
}

// Unwrap exposes the matching domain error
func (e *UsageLimitExceededError) Unwrap() error {
	return shared.ErrLimitExceeded
}

// NewUsageLimitExceededError creates a limit error with an optional custom message
func NewUsageLimitExceededError(accountID int64, metricCode string, result *ReservationResult, message string) *UsageLimitExceededError {
	return &UsageLimitExceededError{AccountID: accountID, MetricCode: metricCode, Result: result, Message: message}
}

// InsufficientBalanceError is returned when a prepaid wallet cannot cover the usage
type InsufficientBalanceError struct {
	AccountID int64
	Reason    string
}

func (e *InsufficientBalanceError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("Insufficient balance for billing account %d: %s", e.AccountID, e.Reason)
	}
	return fmt.Sprintf("Insufficient balance for billing account %d", e.AccountID)
}

// Unwrap exposes the matching domain error
func (e *InsufficientBalanceError) Unwrap() error {
	return shared.ErrInsufficientBalance
}

// ReservationExpiredError is returned when committing a reservation that was
// released or expired in the meantime.
type ReservationExpiredError struct {
	ULID string
}

func (e *ReservationExpiredError) Error() string {
	return fmt.Sprintf("Reservation %s has expired or was released", e.ULID)
}

// Unwrap exposes the matching domain error
func (e *ReservationExpiredError) Unwrap() error {
	return shared.ErrReservationExpired
}

// ReservationNotFoundError is returned when a ULID matches no reservation
type ReservationNotFoundError struct {
	ULID string
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("Reservation not found: %s", e.ULID)
}

// Unwrap exposes the matching domain error
func (e *ReservationNotFoundError) Unwrap() error {
	return shared.ErrNotFound
}

// IdempotencyConflictError is returned when a key is reused for a different request
type IdempotencyConflictError struct {
	Key   string
	Scope string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("Idempotency key '%s' in scope '%s' was already used for a different request", e.Key, e.Scope)
}

// Unwrap exposes the matching domain error
func (e *IdempotencyConflictError) Unwrap() error {
	return shared.ErrIdempotencyConflict
}

// ChargeFailedError is returned alongside a committed result when usage was
// recorded but settling its cost failed. Committing the reservation again
// retries the charge.
type ChargeFailedError struct {
	ULID string
	Err  error
}

func (e *ChargeFailedError) Error() string {
	return fmt.Sprintf("Reservation %s committed but charge failed: %v", e.ULID, e.Err)
}

func (e *ChargeFailedError) Unwrap() error {
	return e.Err
}
