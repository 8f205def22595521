package handler

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/interfaces/http/dto"
)

// PlanCacheInvalidator drops cached plan resolutions for an account
type PlanCacheInvalidator interface {
	InvalidatePlanCache(ctx context.Context, accountID int64) error
}

// WalletReader reads the live wallet balance
type WalletReader interface {
	GetBalance(ctx context.Context, accountID int64) (int64, error)
}

// AccountHandler serves account level endpoints
type AccountHandler struct {
	BaseHandler
	accounts billing.AccountRepository
	wallets  WalletReader
	plans    PlanCacheInvalidator
}

// NewAccountHandler creates a new AccountHandler
func NewAccountHandler(accounts billing.AccountRepository, wallets WalletReader, plans PlanCacheInvalidator) *AccountHandler {
	return &AccountHandler{accounts: accounts, wallets: wallets, plans: plans}
}

// InvalidatePlanCache handles POST /accounts/:id/plan-cache/invalidate.
// Call it after changing an account's plan assignment or overrides.
func (h *AccountHandler) InvalidatePlanCache(c *gin.Context) {
	accountID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	if err := h.plans.InvalidatePlanCache(c.Request.Context(), accountID); err != nil {
		h.HandleError(c, fmt.Errorf("invalidate plan cache: %w", err))
		return
	}
	h.Success(c, dto.PlanCacheInvalidatedResponse{BillingAccountID: accountID, Invalidated: true})
}

// Wallet handles GET /accounts/:id/wallet
func (h *AccountHandler) Wallet(c *gin.Context) {
	accountID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	account, err := h.accounts.FindByID(ctx, accountID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	balance, err := h.wallets.GetBalance(ctx, accountID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, dto.WalletResponse{
		BillingAccountID: account.ID,
		BalanceCents:     balance,
		Currency:         account.WalletCurrency,
		AutoTopupEnabled: account.AutoTopupEnabled,
	})
}
