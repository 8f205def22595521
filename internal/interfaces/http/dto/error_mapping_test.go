package dto

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
)

func TestErrorResponseFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "limit exceeded",
			err:        billing.NewUsageLimitExceededError(1, "api_calls", nil, ""),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   ErrCodeUsageLimitExceeded,
		},
		{
			name:       "insufficient balance wrapped",
			err:        fmt.Errorf("reserve: %w", &billing.InsufficientBalanceError{AccountID: 1}),
			wantStatus: http.StatusPaymentRequired,
			wantCode:   ErrCodeInsufficientBalance,
		},
		{
			name:       "reservation expired",
			err:        &billing.ReservationExpiredError{ULID: "01J"},
			wantStatus: http.StatusConflict,
			wantCode:   ErrCodeReservationExpired,
		},
		{
			name:       "reservation not found",
			err:        &billing.ReservationNotFoundError{ULID: "01J"},
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeNotFound,
		},
		{
			name:       "account not found",
			err:        fmt.Errorf("find billing account 5: %w", shared.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeNotFound,
		},
		{
			name:       "idempotency conflict",
			err:        &billing.IdempotencyConflictError{Key: "k", Scope: "http:ingest"},
			wantStatus: http.StatusConflict,
			wantCode:   ErrCodeIdempotencyConflict,
		},
		{
			name:       "attempt validation",
			err:        shared.NewDomainError("INVALID_AMOUNT", "Amount must be positive"),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name:       "unknown error",
			err:        errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := ErrorResponseFor(tt.err, "req-1")
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Equal(t, "req-1", resp.Error.RequestID)
		})
	}
}

func TestErrorResponseFor_HidesInternalMessage(t *testing.T) {
	_, resp := ErrorResponseFor(errors.New("dial tcp 10.0.0.3:5432: refused"), "")
	assert.Equal(t, "An unexpected error occurred", resp.Error.Message)
	assert.Nil(t, resp.Error.Context)
}

func TestErrorResponseFor_LimitContext(t *testing.T) {
	result := billing.DeniedReservation(billing.ReasonUsageLimitExceeded, false)
	_, resp := ErrorResponseFor(billing.NewUsageLimitExceededError(9, "exports", &result, ""), "")
	assert.Equal(t, int64(9), resp.Error.Context["billing_account_id"])
	assert.Equal(t, "exports", resp.Error.Context["metric_code"])
	assert.Equal(t, billing.DecisionDeny, resp.Error.Context["decision"])
}
