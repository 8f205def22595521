package dto

import (
	"errors"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
)

// ErrorResponseFor converts err into a status code and an error response.
// Errors that are not domain errors are reported as internal errors without
// their message.
func ErrorResponseFor(err error, requestID string) (int, Response) {
	var (
		limitErr    *billing.UsageLimitExceededError
		balanceErr  *billing.InsufficientBalanceError
		expiredErr  *billing.ReservationExpiredError
		notFoundErr *billing.ReservationNotFoundError
		conflictErr *billing.IdempotencyConflictError
		domainErr   *shared.DomainError
	)

	switch {
	case errors.As(err, &limitErr):
		ctx := map[string]any{
			"billing_account_id": limitErr.AccountID,
			"metric_code":        limitErr.MetricCode,
		}
		if limitErr.Result != nil {
			ctx["decision"] = limitErr.Result.Decision
		}
		return build(ErrCodeUsageLimitExceeded, limitErr.Error(), requestID, ctx)
	case errors.As(err, &balanceErr):
		return build(ErrCodeInsufficientBalance, balanceErr.Error(), requestID, map[string]any{
			"billing_account_id": balanceErr.AccountID,
		})
	case errors.As(err, &expiredErr):
		return build(ErrCodeReservationExpired, expiredErr.Error(), requestID, map[string]any{
			"reservation_ulid": expiredErr.ULID,
		})
	case errors.As(err, &notFoundErr):
		return build(ErrCodeNotFound, notFoundErr.Error(), requestID, map[string]any{
			"reservation_ulid": notFoundErr.ULID,
		})
	case errors.As(err, &conflictErr):
		return build(ErrCodeIdempotencyConflict, conflictErr.Error(), requestID, map[string]any{
			"idempotency_key": conflictErr.Key,
		})
	case errors.As(err, &domainErr):
		return build(domainErr.Code, domainErr.Message, requestID, nil)
	}
	return build(ErrCodeInternal, "An unexpected error occurred", requestID, nil)
}

func build(code, message, requestID string, ctx map[string]any) (int, Response) {
	resp := NewErrorResponseWithRequestID(code, message, requestID).WithContext(ctx)
	return GetHTTPStatus(resp.Error.Code), resp
}
