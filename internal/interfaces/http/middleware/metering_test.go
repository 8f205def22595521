package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type mockLifecycle struct {
	mock.Mock
}

func (m *mockLifecycle) Reserve(ctx context.Context, attempt billing.UsageAttempt) (billing.ReservationResult, error) {
	args := m.Called(ctx, attempt)
	return args.Get(0).(billing.ReservationResult), args.Error(1)
}

func (m *mockLifecycle) Commit(ctx context.Context, ulid string) (billing.CommitResult, error) {
	args := m.Called(ctx, ulid)
	return args.Get(0).(billing.CommitResult), args.Error(1)
}

func (m *mockLifecycle) Release(ctx context.Context, ulid string) (billing.ReleaseResult, error) {
	args := m.Called(ctx, ulid)
	return args.Get(0).(billing.ReleaseResult), args.Error(1)
}

func TestParseMeteredRoute(t *testing.T) {
	tests := []struct {
		spec    string
		want    MeteredRoute
		wantErr bool
	}{
		{
			spec: "GET /api/v1/accounts/:id/wallet=wallet_reads",
			want: MeteredRoute{Method: "GET", Path: "/api/v1/accounts/:id/wallet", MetricCode: "wallet_reads", Amount: 1},
		},
		{
			spec: " post /api/v1/usage/events/batch=batch_calls:5 ",
			want: MeteredRoute{Method: "POST", Path: "/api/v1/usage/events/batch", MetricCode: "batch_calls", Amount: 5},
		},
		{spec: "GET /path", wantErr: true},
		{spec: "/path=metric", wantErr: true},
		{spec: "GET path=metric", wantErr: true},
		{spec: "GET /path=", wantErr: true},
		{spec: "GET /path=metric:0", wantErr: true},
		{spec: "GET /path=metric:x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseMeteredRoute(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMeteredRoutes_SkipsBlank(t *testing.T) {
	routes, err := ParseMeteredRoutes([]string{"", "GET /a=m"})
	require.NoError(t, err)
	assert.Len(t, routes, 1)

	_, err = ParseMeteredRoutes([]string{"broken"})
	assert.Error(t, err)
}

func meteredRouter(lifecycle *mockLifecycle, logger *zap.Logger, status int) *gin.Engine {
	gateway := appbilling.NewExecutionGateway(lifecycle, logger)
	router := gin.New()
	router.Use(Metering(gateway, MeteringConfig{
		Routes: []MeteredRoute{{Method: http.MethodGet, Path: "/reports/:id", MetricCode: "report_views", Amount: 2}},
		Logger: logger,
	}))
	router.GET("/reports/:id", func(c *gin.Context) {
		c.JSON(status, gin.H{"id": c.Param("id")})
	})
	router.GET("/free", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func meteredRequest(path, account string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if account != "" {
		req.Header.Set(AccountIDHeader, account)
	}
	return req
}

func isReportAttempt(a billing.UsageAttempt) bool {
	return a.AccountID == 7 && a.MetricCode == "report_views" && a.Amount == 2 &&
		a.Metadata["middleware"] == MeteringMiddlewareName
}

func TestMetering(t *testing.T) {
	allowed := billing.ReservationResult{ULID: "01JMETER", Allowed: true, Decision: billing.DecisionAllow}

	t.Run("successful request commits", func(t *testing.T) {
		lifecycle := new(mockLifecycle)
		lifecycle.On("Reserve", mock.Anything, mock.MatchedBy(isReportAttempt)).Return(allowed, nil).Once()
		lifecycle.On("Commit", mock.Anything, "01JMETER").Return(billing.CommitResult{Committed: true}, nil).Once()

		w := httptest.NewRecorder()
		meteredRouter(lifecycle, zap.NewNop(), http.StatusOK).ServeHTTP(w, meteredRequest("/reports/5", "7"))

		assert.Equal(t, http.StatusOK, w.Code)
		lifecycle.AssertExpectations(t)
	})

	t.Run("failed request releases", func(t *testing.T) {
		lifecycle := new(mockLifecycle)
		lifecycle.On("Reserve", mock.Anything, mock.Anything).Return(allowed, nil).Once()
		lifecycle.On("Release", mock.Anything, "01JMETER").Return(billing.ReleaseResult{Released: true}, nil).Once()

		w := httptest.NewRecorder()
		meteredRouter(lifecycle, zap.NewNop(), http.StatusNotFound).ServeHTTP(w, meteredRequest("/reports/5", "7"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		lifecycle.AssertExpectations(t)
		lifecycle.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
	})

	t.Run("denial never reaches the handler", func(t *testing.T) {
		lifecycle := new(mockLifecycle)
		lifecycle.On("Reserve", mock.Anything, mock.Anything).
			Return(billing.ReservationResult{}, billing.NewUsageLimitExceededError(7, "report_views", nil, "")).Once()

		w := httptest.NewRecorder()
		meteredRouter(lifecycle, zap.NewNop(), http.StatusOK).ServeHTTP(w, meteredRequest("/reports/5", "7"))

		require.Equal(t, http.StatusTooManyRequests, w.Code)
		resp := decodeResponse(t, w.Body.Bytes())
		assert.Equal(t, dto.ErrCodeUsageLimitExceeded, resp.Error.Code)
		assert.NotContains(t, w.Body.String(), `"id"`)
	})

	t.Run("insufficient balance is 402", func(t *testing.T) {
		lifecycle := new(mockLifecycle)
		lifecycle.On("Reserve", mock.Anything, mock.Anything).
			Return(billing.ReservationResult{}, &billing.InsufficientBalanceError{AccountID: 7}).Once()

		w := httptest.NewRecorder()
		meteredRouter(lifecycle, zap.NewNop(), http.StatusOK).ServeHTTP(w, meteredRequest("/reports/5", "7"))
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})

	t.Run("missing account header", func(t *testing.T) {
		lifecycle := new(mockLifecycle)
		w := httptest.NewRecorder()
		meteredRouter(lifecycle, zap.NewNop(), http.StatusOK).ServeHTTP(w, meteredRequest("/reports/5", ""))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		lifecycle.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything)
	})

	t.Run("unmetered route passes through", func(t *testing.T) {
		lifecycle := new(mockLifecycle)
		w := httptest.NewRecorder()
		meteredRouter(lifecycle, zap.NewNop(), http.StatusOK).ServeHTTP(w, meteredRequest("/free", ""))

		assert.Equal(t, http.StatusOK, w.Code)
		lifecycle.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything)
	})

	t.Run("expired commit after the response is logged", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		lifecycle := new(mockLifecycle)
		lifecycle.On("Reserve", mock.Anything, mock.Anything).Return(allowed, nil).Once()
		lifecycle.On("Commit", mock.Anything, "01JMETER").
			Return(billing.CommitResult{}, &billing.ReservationExpiredError{ULID: "01JMETER"}).Once()

		w := httptest.NewRecorder()
		meteredRouter(lifecycle, zap.New(core), http.StatusOK).ServeHTTP(w, meteredRequest("/reports/5", "7"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, logs.FilterMessage("Failed to settle metered request").Len())
	})
}

func TestMetering_NoRoutes(t *testing.T) {
	router := okRouter(Metering(nil, MeteringConfig{}))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
