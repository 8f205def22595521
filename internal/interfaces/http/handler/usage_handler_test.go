package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/interfaces/http/dto"
	"github.com/usagelimiter/backend/internal/interfaces/http/middleware"
)

const testULID = "01JAYZ0M6Q8X4D5V3S2K1N0PTR"

type usageFixture struct {
	usage       *mockUsageService
	ingester    *mockIngester
	idempotency *mockIdempotencyStore
	router      *gin.Engine
}

func newUsageFixture(t *testing.T, withIdempotency bool) *usageFixture {
	t.Helper()
	f := &usageFixture{
		usage:    new(mockUsageService),
		ingester: new(mockIngester),
	}
	var store billing.IdempotencyStore
	if withIdempotency {
		f.idempotency = new(mockIdempotencyStore)
		store = f.idempotency
	}
	h := NewUsageHandler(f.usage, f.ingester, store, nil)
	h.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }

	f.router = gin.New()
	f.router.POST("/usage/reservations", h.Reserve)
	f.router.POST("/usage/reservations/:ulid/commit", h.Commit)
	f.router.POST("/usage/reservations/:ulid/release", h.Release)
	f.router.GET("/usage/accounts/:id/metrics/:metric", h.CurrentUsage)
	f.router.GET("/usage/accounts/:id/metrics/:metric/check", h.Check)
	f.router.POST("/usage/events", h.Ingest)
	f.router.POST("/usage/events/batch", h.IngestBatch)

	t.Cleanup(func() {
		f.usage.AssertExpectations(t)
		f.ingester.AssertExpectations(t)
		if f.idempotency != nil {
			f.idempotency.AssertExpectations(t)
		}
	})
	return f
}

func (f *usageFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func reserveBody() map[string]any {
	return map[string]any{
		"billing_account_id": 7,
		"metric_code":        "api_calls",
		"amount":             3,
	}
}

func TestUsageHandler_Reserve(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.usage.On("Reserve", mock.Anything, mock.MatchedBy(func(a billing.UsageAttempt) bool {
			return a.AccountID == 7 && a.MetricCode == "api_calls" && a.Amount == 3 &&
				a.IdempotencyKey != nil && *a.IdempotencyKey == "req-1"
		})).Return(billing.ReservationResult{ULID: testULID, Allowed: true, Decision: billing.DecisionAllow}, nil)

		req := jsonRequest(t, http.MethodPost, "/usage/reservations", reserveBody())
		req.Header.Set(middleware.IdempotencyKeyHeader, "req-1")
		w := f.serve(req)

		require.Equal(t, http.StatusCreated, w.Code)
		var result billing.ReservationResult
		resp := decode(t, w, &result)
		assert.True(t, resp.Success)
		assert.Equal(t, testULID, result.ULID)
		assert.Equal(t, billing.DecisionAllow, result.Decision)
	})

	t.Run("replay answers ok", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.usage.On("Reserve", mock.Anything, mock.Anything).Return(billing.ReservationResult{
			ULID: testULID, Allowed: true, Decision: billing.DecisionAllow, Warning: billing.WarningIdempotentReplay,
		}, nil)

		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/reservations", reserveBody()))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "true", w.Header().Get(middleware.IdempotentReplayHeader))
	})

	t.Run("denials map to status codes", func(t *testing.T) {
		tests := []struct {
			name       string
			err        error
			wantStatus int
			wantCode   string
		}{
			{
				name:       "limit",
				err:        billing.NewUsageLimitExceededError(7, "api_calls", nil, "Usage limit exceeded"),
				wantStatus: http.StatusTooManyRequests,
				wantCode:   dto.ErrCodeUsageLimitExceeded,
			},
			{
				name:       "balance",
				err:        &billing.InsufficientBalanceError{AccountID: 7, Reason: "Insufficient wallet balance"},
				wantStatus: http.StatusPaymentRequired,
				wantCode:   dto.ErrCodeInsufficientBalance,
			},
			{
				name:       "failure",
				err:        errors.New("connection refused"),
				wantStatus: http.StatusInternalServerError,
				wantCode:   dto.ErrCodeInternal,
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newUsageFixture(t, false)
				f.usage.On("Reserve", mock.Anything, mock.Anything).Return(billing.ReservationResult{}, tt.err)

				w := f.serve(jsonRequest(t, http.MethodPost, "/usage/reservations", reserveBody()))
				assert.Equal(t, tt.wantStatus, w.Code)
				resp := decode(t, w, nil)
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.wantCode, resp.Error.Code)
			})
		}
	})

	t.Run("validation", func(t *testing.T) {
		f := newUsageFixture(t, false)
		body := reserveBody()
		body["amount"] = 0

		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/reservations", body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode(t, w, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)
		f.usage.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything)
	})
}

func TestUsageHandler_CommitRelease(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.usage.On("Commit", mock.Anything, testULID).Return(billing.CommitResult{ULID: testULID, Committed: true}, nil)

		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/reservations/"+testULID+"/commit", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var result billing.CommitResult
		decode(t, w, &result)
		assert.True(t, result.Committed)
	})

	t.Run("commit of expired reservation", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.usage.On("Commit", mock.Anything, testULID).Return(billing.CommitResult{}, &billing.ReservationExpiredError{ULID: testULID})

		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/reservations/"+testULID+"/commit", nil))
		assert.Equal(t, http.StatusConflict, w.Code)
		resp := decode(t, w, nil)
		assert.Equal(t, dto.ErrCodeReservationExpired, resp.Error.Code)
	})

	t.Run("release of unknown reservation", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.usage.On("Release", mock.Anything, testULID).Return(billing.ReleaseResult{}, &billing.ReservationNotFoundError{ULID: testULID})

		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/reservations/"+testULID+"/release", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("release", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.usage.On("Release", mock.Anything, testULID).Return(billing.ReleaseResult{ULID: testULID, Released: true, Refunded: true, RefundedAmountCents: 30}, nil)

		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/reservations/"+testULID+"/release", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var result billing.ReleaseResult
		decode(t, w, &result)
		assert.Equal(t, int64(30), result.RefundedAmountCents)
	})
}

func TestUsageHandler_CurrentUsageAndCheck(t *testing.T) {
	t.Run("snapshot", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.usage.On("CurrentUsage", mock.Anything, int64(7), "api_calls").Return(billing.UsageSnapshot{
			AccountID: 7, MetricCode: "api_calls", Committed: 40, Reserved: 5, Limit: 100, Remaining: 55,
		}, nil)

		w := f.serve(httptest.NewRequest(http.MethodGet, "/usage/accounts/7/metrics/api_calls", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var snapshot billing.UsageSnapshot
		decode(t, w, &snapshot)
		assert.Equal(t, int64(40), snapshot.Committed)
	})

	t.Run("invalid account id", func(t *testing.T) {
		f := newUsageFixture(t, false)
		w := f.serve(httptest.NewRequest(http.MethodGet, "/usage/accounts/abc/metrics/api_calls", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("check", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.usage.On("Check", mock.Anything, int64(7), "api_calls", int64(25)).Return(billing.DecisionAllowWithWarning, nil)

		w := f.serve(httptest.NewRequest(http.MethodGet, "/usage/accounts/7/metrics/api_calls/check?amount=25", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var check dto.CheckResponse
		decode(t, w, &check)
		assert.True(t, check.Allowed)
		assert.Equal(t, billing.DecisionAllowWithWarning, check.Decision)
		assert.Equal(t, int64(25), check.Amount)
	})

	t.Run("check needs an amount", func(t *testing.T) {
		f := newUsageFixture(t, false)
		w := f.serve(httptest.NewRequest(http.MethodGet, "/usage/accounts/7/metrics/api_calls/check", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUsageHandler_Ingest(t *testing.T) {
	committed := billing.CommitResult{ULID: testULID, Committed: true, Charged: true, ChargedAmountCents: 12}
	expires := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)

	t.Run("without key skips the store", func(t *testing.T) {
		f := newUsageFixture(t, true)
		f.ingester.On("Ingest", mock.Anything, mock.Anything).Return(committed, nil)

		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/events", reserveBody()))
		assert.Equal(t, http.StatusCreated, w.Code)
		f.idempotency.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("first call stores the result", func(t *testing.T) {
		f := newUsageFixture(t, true)
		f.idempotency.On("Check", mock.Anything, "evt-1", IngestIdempotencyScope).Return(nil, nil)
		f.ingester.On("Ingest", mock.Anything, mock.MatchedBy(func(a billing.UsageAttempt) bool {
			return a.IdempotencyKey != nil && *a.IdempotencyKey == "evt-1"
		})).Return(committed, nil)
		f.idempotency.On("Store", mock.Anything, mock.MatchedBy(func(p billing.StoreIdempotencyParams) bool {
			return p.Key == "evt-1" && p.Scope == IngestIdempotencyScope && p.ResultType == "usage_event" &&
				p.Payload["fingerprint"] == "7|api_calls|3"
		})).Return(&billing.IdempotencyRecord{}, nil)

		req := jsonRequest(t, http.MethodPost, "/usage/events", reserveBody())
		req.Header.Set(middleware.IdempotencyKeyHeader, "evt-1")
		w := f.serve(req)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Empty(t, w.Header().Get(middleware.IdempotentReplayHeader))
	})

	t.Run("retry replays the stored result", func(t *testing.T) {
		f := newUsageFixture(t, true)
		f.idempotency.On("Check", mock.Anything, "evt-1", IngestIdempotencyScope).Return(&billing.IdempotencyRecord{
			ResultPayload: map[string]any{
				"fingerprint": "7|api_calls|3",
				"result": map[string]any{
					"ulid":                 testULID,
					"committed":            true,
					"charged":              true,
					"charged_amount_cents": float64(12),
				},
			},
			ExpiresAt: expires,
		}, nil)

		req := jsonRequest(t, http.MethodPost, "/usage/events", reserveBody())
		req.Header.Set(middleware.IdempotencyKeyHeader, "evt-1")
		w := f.serve(req)

		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "true", w.Header().Get(middleware.IdempotentReplayHeader))
		var result billing.CommitResult
		decode(t, w, &result)
		assert.Equal(t, committed, result)
		f.ingester.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
	})

	t.Run("same key with another request conflicts", func(t *testing.T) {
		f := newUsageFixture(t, true)
		f.idempotency.On("Check", mock.Anything, "evt-1", IngestIdempotencyScope).Return(&billing.IdempotencyRecord{
			ResultPayload: map[string]any{"fingerprint": "7|api_calls|99"},
			ExpiresAt:     expires,
		}, nil)

		req := jsonRequest(t, http.MethodPost, "/usage/events", reserveBody())
		req.Header.Set(middleware.IdempotencyKeyHeader, "evt-1")
		w := f.serve(req)

		assert.Equal(t, http.StatusConflict, w.Code)
		resp := decode(t, w, nil)
		assert.Equal(t, dto.ErrCodeIdempotencyConflict, resp.Error.Code)
	})

	t.Run("expired record is ignored", func(t *testing.T) {
		f := newUsageFixture(t, true)
		f.idempotency.On("Check", mock.Anything, "evt-1", IngestIdempotencyScope).Return(&billing.IdempotencyRecord{
			ResultPayload: map[string]any{"fingerprint": "7|api_calls|99"},
			ExpiresAt:     time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC),
		}, nil)
		f.ingester.On("Ingest", mock.Anything, mock.Anything).Return(committed, nil)
		f.idempotency.On("Store", mock.Anything, mock.Anything).Return(nil, errors.New("disk full"))

		req := jsonRequest(t, http.MethodPost, "/usage/events", reserveBody())
		req.Header.Set(middleware.IdempotencyKeyHeader, "evt-1")
		w := f.serve(req)

		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("denial is not stored", func(t *testing.T) {
		f := newUsageFixture(t, true)
		f.idempotency.On("Check", mock.Anything, "evt-2", IngestIdempotencyScope).Return(nil, nil)
		f.ingester.On("Ingest", mock.Anything, mock.Anything).
			Return(billing.CommitResult{}, &billing.InsufficientBalanceError{AccountID: 7, Reason: "Insufficient wallet balance"})

		req := jsonRequest(t, http.MethodPost, "/usage/events", reserveBody())
		req.Header.Set(middleware.IdempotencyKeyHeader, "evt-2")
		w := f.serve(req)

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		f.idempotency.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)
	})
}

func TestUsageHandler_IngestBatch(t *testing.T) {
	t.Run("mixed outcomes", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.ingester.On("IngestBatch", mock.Anything, int64(7), []appbilling.BatchItem{
			{MetricCode: "api_calls", Amount: 1, IdempotencyKey: "a"},
			{MetricCode: "api_calls", Amount: 500},
		}).Return([]appbilling.BatchItemResult{
			{Index: 0, Result: billing.CommitResult{ULID: testULID, Committed: true}},
			{Index: 1, Err: billing.NewUsageLimitExceededError(7, "api_calls", nil, "Usage limit exceeded")},
		}, nil)

		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/events/batch", map[string]any{
			"billing_account_id": 7,
			"events": []map[string]any{
				{"metric_code": "api_calls", "amount": 1, "idempotency_key": "a"},
				{"metric_code": "api_calls", "amount": 500},
			},
		}))

		require.Equal(t, http.StatusOK, w.Code)
		var batch dto.BatchIngestResponse
		decode(t, w, &batch)
		assert.Equal(t, 1, batch.Accepted)
		assert.Equal(t, 1, batch.Denied)
		require.Len(t, batch.Results, 2)
		require.NotNil(t, batch.Results[0].Result)
		assert.True(t, batch.Results[0].Result.Committed)
		require.NotNil(t, batch.Results[1].Error)
		assert.Equal(t, dto.ErrCodeUsageLimitExceeded, batch.Results[1].Error.Code)
	})

	t.Run("failure aborts", func(t *testing.T) {
		f := newUsageFixture(t, false)
		f.ingester.On("IngestBatch", mock.Anything, int64(7), mock.Anything).Return(nil, errors.New("batch item 0: db down"))

		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/events/batch", map[string]any{
			"billing_account_id": 7,
			"events":             []map[string]any{{"metric_code": "api_calls", "amount": 1}},
		}))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("empty batch is rejected", func(t *testing.T) {
		f := newUsageFixture(t, false)
		w := f.serve(jsonRequest(t, http.MethodPost, "/usage/events/batch", map[string]any{
			"billing_account_id": 7,
			"events":             []map[string]any{},
		}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
