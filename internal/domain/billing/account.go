package billing

import (
	"strings"
	"time"

	"github.com/usagelimiter/backend/internal/domain/shared"
)

// BillingAccount is the payer that owns usage, a wallet, and plan assignments.
// Wallet amounts are integer minor currency units (cents).
type BillingAccount struct {
	ID                      int64
	ExternalID              *string
	Name                    string
	WalletBalanceCents      int64
	WalletCurrency          string
	AutoTopupEnabled        bool
	AutoTopupThresholdCents *int64
	AutoTopupAmountCents    *int64
	IsActive                bool
	Metadata                map[string]any
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// NewBillingAccount creates an active account with an empty USD wallet
func NewBillingAccount(name string) (*BillingAccount, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, shared.NewDomainError("INVALID_ACCOUNT", "Account name cannot be empty")
	}
	now := time.Now().UTC()
	return &BillingAccount{
		Name:           name,
		WalletCurrency: "USD",
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// WithAutoTopup enables auto-topup below threshold, requesting amount cents
func (a *BillingAccount) WithAutoTopup(thresholdCents, amountCents int64) *BillingAccount {
	a.AutoTopupEnabled = true
	a.AutoTopupThresholdCents = &thresholdCents
	a.AutoTopupAmountCents = &amountCents
	return a
}

// ShouldRequestTopup reports whether spending cost from balance drops the
// wallet under the configured auto-topup threshold.
func (a *BillingAccount) ShouldRequestTopup(balanceCents, costCents int64) bool {
	if !a.AutoTopupEnabled || a.AutoTopupThresholdCents == nil {
		return false
	}
	return balanceCents-costCents < *a.AutoTopupThresholdCents
}

// TopupAmount returns the configured topup amount, or fallback when unset
func (a *BillingAccount) TopupAmount(fallback int64) int64 {
	if a.AutoTopupAmountCents == nil {
		return fallback
	}
	return *a.AutoTopupAmountCents
}
