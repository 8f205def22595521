package models

import (
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// BillingAccountModel is the persistence model for billing accounts
type BillingAccountModel struct {
	ID                      int64   `gorm:"primaryKey;autoIncrement"`
	ExternalID              *string `gorm:"type:varchar(191);uniqueIndex"`
	Name                    string  `gorm:"type:varchar(255);not null"`
	WalletBalanceCents      int64   `gorm:"not null;default:0"`
	WalletCurrency          string  `gorm:"type:varchar(3);not null;default:'USD'"`
	AutoTopupEnabled        bool    `gorm:"not null;default:false"`
	AutoTopupThresholdCents *int64
	AutoTopupAmountCents    *int64
	IsActive                bool    `gorm:"not null;default:true"`
	Metadata                JSONMap `gorm:"type:text"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// TableName returns the table name for GORM
func (BillingAccountModel) TableName() string {
	return "ul_billing_accounts"
}

// ToDomain converts the persistence model to a domain BillingAccount
func (m *BillingAccountModel) ToDomain() *billing.BillingAccount {
	return &billing.BillingAccount{
		ID:                      m.ID,
		ExternalID:              m.ExternalID,
		Name:                    m.Name,
		WalletBalanceCents:      m.WalletBalanceCents,
		WalletCurrency:          m.WalletCurrency,
		AutoTopupEnabled:        m.AutoTopupEnabled,
		AutoTopupThresholdCents: m.AutoTopupThresholdCents,
		AutoTopupAmountCents:    m.AutoTopupAmountCents,
		IsActive:                m.IsActive,
		Metadata:                m.Metadata,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
	}
}

// BillingAccountModelFromDomain creates a persistence model from a domain BillingAccount
func BillingAccountModelFromDomain(a *billing.BillingAccount) *BillingAccountModel {
	return &BillingAccountModel{
		ID:                      a.ID,
		ExternalID:              a.ExternalID,
		Name:                    a.Name,
		WalletBalanceCents:      a.WalletBalanceCents,
		WalletCurrency:          a.WalletCurrency,
		AutoTopupEnabled:        a.AutoTopupEnabled,
		AutoTopupThresholdCents: a.AutoTopupThresholdCents,
		AutoTopupAmountCents:    a.AutoTopupAmountCents,
		IsActive:                a.IsActive,
		Metadata:                a.Metadata,
		CreatedAt:               a.CreatedAt,
		UpdatedAt:               a.UpdatedAt,
	}
}
