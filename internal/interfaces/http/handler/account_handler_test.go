package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/interfaces/http/dto"
)

func newAccountRouter(accounts *mockAccountRepository, wallets *mockWalletReader, plans *mockPlanCache) *gin.Engine {
	h := NewAccountHandler(accounts, wallets, plans)
	router := gin.New()
	router.POST("/accounts/:id/plan-cache/invalidate", h.InvalidatePlanCache)
	router.GET("/accounts/:id/wallet", h.Wallet)
	return router
}

func TestAccountHandler_Wallet(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		setup      func(a *mockAccountRepository, w *mockWalletReader)
		wantStatus int
		want       *dto.WalletResponse
	}{
		{
			name: "balance",
			path: "/accounts/7/wallet",
			setup: func(a *mockAccountRepository, w *mockWalletReader) {
				a.On("FindByID", mock.Anything, int64(7)).Return(&billing.BillingAccount{
					ID: 7, WalletCurrency: "USD", WalletBalanceCents: 1, AutoTopupEnabled: true,
				}, nil)
				w.On("GetBalance", mock.Anything, int64(7)).Return(int64(4200), nil)
			},
			wantStatus: http.StatusOK,
			want: &dto.WalletResponse{
				BillingAccountID: 7, BalanceCents: 4200, Currency: "USD", AutoTopupEnabled: true,
			},
		},
		{
			name: "unknown account",
			path: "/accounts/8/wallet",
			setup: func(a *mockAccountRepository, w *mockWalletReader) {
				a.On("FindByID", mock.Anything, int64(8)).Return(nil, shared.ErrNotFound)
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "balance read fails",
			path: "/accounts/7/wallet",
			setup: func(a *mockAccountRepository, w *mockWalletReader) {
				a.On("FindByID", mock.Anything, int64(7)).Return(&billing.BillingAccount{ID: 7}, nil)
				w.On("GetBalance", mock.Anything, int64(7)).Return(int64(0), errors.New("timeout"))
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "bad id",
			path:       "/accounts/-1/wallet",
			setup:      func(*mockAccountRepository, *mockWalletReader) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts, wallets := new(mockAccountRepository), new(mockWalletReader)
			tt.setup(accounts, wallets)

			w := httptest.NewRecorder()
			newAccountRouter(accounts, wallets, new(mockPlanCache)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.want != nil {
				var got dto.WalletResponse
				decode(t, w, &got)
				assert.Equal(t, *tt.want, got)
			}
			accounts.AssertExpectations(t)
			wallets.AssertExpectations(t)
		})
	}
}

func TestAccountHandler_InvalidatePlanCache(t *testing.T) {
	plans := new(mockPlanCache)
	plans.On("InvalidatePlanCache", mock.Anything, int64(7)).Return(nil).Once()
	plans.On("InvalidatePlanCache", mock.Anything, int64(9)).Return(errors.New("redis down")).Once()
	router := newAccountRouter(new(mockAccountRepository), new(mockWalletReader), plans)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/accounts/7/plan-cache/invalidate", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got dto.PlanCacheInvalidatedResponse
	decode(t, w, &got)
	assert.Equal(t, dto.PlanCacheInvalidatedResponse{BillingAccountID: 7, Invalidated: true}, got)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/accounts/9/plan-cache/invalidate", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	plans.AssertExpectations(t)
}
