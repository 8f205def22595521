// Package pricing contains the policies that settle the monetary cost of usage.
// Every policy bills by the delta of the cumulative overage cost, so repeated
// small commits are charged exactly what one large commit would be.
package pricing

import (
	"context"
	"fmt"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// ReferenceTypeUsageReservation tags ledger rows written for reservations
const ReferenceTypeUsageReservation = "usage_reservation"

// RefundKey is the ledger idempotency key of the refund for a reservation
func RefundKey(ulid string) string {
	return "refund:" + ulid
}

// PrepaidPolicy debits the account wallet when a commit creates overage
type PrepaidPolicy struct {
	events shared.EventPublisher
	logger *zap.Logger
}

// NewPrepaidPolicy creates a prepaid policy. events may be nil.
func NewPrepaidPolicy(events shared.EventPublisher, logger *zap.Logger) *PrepaidPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrepaidPolicy{events: events, logger: logger.Named("pricing.prepaid")}
}

// Mode returns the pricing mode
func (p *PrepaidPolicy) Mode() billing.PricingMode {
	return billing.PricingModePrepaid
}

// Authorize checks the live wallet against the cost the commit would incur.
// It runs after the hold is placed, so only committed usage is considered.
func (p *PrepaidPolicy) Authorize(ctx context.Context, repos billing.PricingRepositories, req billing.AuthorizeRequest) (billing.AffordabilityResult, error) {
	cost := req.MetricLimit.IncrementalCost(req.Aggregate.CommittedUsage, req.Amount)
	if cost == 0 {
		return billing.Free(), nil
	}

	balance, err := repos.WalletRepo().GetBalance(ctx, req.Account.ID)
	if err != nil {
		return billing.AffordabilityResult{}, fmt.Errorf("read wallet balance: %w", err)
	}

	if req.Account.ShouldRequestTopup(balance, cost) {
		p.requestTopup(ctx, req.Account, req.Account.TopupAmount(cost), balance)
	}

	if balance < cost {
		return billing.CannotAfford(
			fmt.Sprintf("Insufficient wallet balance (available: %d, required: %d)", balance, cost),
			cost,
			true,
		), nil
	}
	return billing.CanAfford(cost), nil
}

// Charge debits the incremental cost, keyed by the reservation ULID
func (p *PrepaidPolicy) Charge(ctx context.Context, repos billing.PricingRepositories, req billing.ChargeRequest) (billing.ChargeResult, error) {
	limit := req.MetricLimit
	overageBefore := limit.OverageFor(req.CommittedBefore)
	incremental := limit.OverageFor(req.CommittedBefore+req.Amount) - overageBefore
	if incremental <= 0 {
		return billing.ChargeResult{}, nil
	}
	cost := limit.IncrementalCost(req.CommittedBefore, req.Amount)
	if cost == 0 {
		return billing.ChargeResult{}, nil
	}

	debited, err := repos.WalletRepo().AtomicDebit(ctx, billing.LedgerEntry{
		AccountID:      req.Account.ID,
		AmountCents:    cost,
		IdempotencyKey: req.ReservationULID,
		ReferenceType:  ReferenceTypeUsageReservation,
		Description:    fmt.Sprintf("Usage charge for %s: %d overage units", limit.MetricCode, incremental),
	})
	if err != nil {
		return billing.ChargeResult{}, fmt.Errorf("debit wallet: %w", err)
	}
	if !debited {
		p.logger.Warn("Wallet could not cover committed usage",
			zap.Int64("billing_account_id", req.Account.ID),
			zap.String("metric_code", limit.MetricCode),
			zap.String("reservation", req.ReservationULID),
			zap.Int64("cost_cents", cost),
		)
		return billing.ChargeResult{TransactionIdempotencyKey: req.ReservationULID}, nil
	}
	return billing.ChargeResult{
		Charged:                   true,
		AmountCents:               cost,
		TransactionIdempotencyKey: req.ReservationULID,
	}, nil
}

// Refund credits back the debit of a released reservation, if there was one
func (p *PrepaidPolicy) Refund(ctx context.Context, repos billing.PricingRepositories, req billing.RefundRequest) (billing.RefundResult, error) {
	debit, err := repos.WalletRepo().GetTransactionByIdempotencyKey(ctx, req.ReservationULID)
	if err != nil {
		return billing.RefundResult{}, fmt.Errorf("find original debit: %w", err)
	}
	if debit == nil {
		return billing.RefundResult{}, nil
	}

	amount := debit.AmountCents
	if amount < 0 {
		amount = -amount
	}
	credited, err := repos.WalletRepo().AtomicCredit(ctx, billing.LedgerEntry{
		AccountID:      req.Account.ID,
		AmountCents:    amount,
		IdempotencyKey: RefundKey(req.ReservationULID),
		ReferenceType:  ReferenceTypeUsageReservation,
		Description:    fmt.Sprintf("Refund for released reservation %s", req.ReservationULID),
	})
	if err != nil {
		return billing.RefundResult{}, fmt.Errorf("credit wallet: %w", err)
	}
	if !credited {
		return billing.RefundResult{}, nil
	}
	return billing.RefundResult{Refunded: true, AmountCents: amount}, nil
}

func (p *PrepaidPolicy) requestTopup(ctx context.Context, account *billing.BillingAccount, amount, balance int64) {
	if p.events == nil {
		return
	}
	event := billing.NewWalletTopupRequestedEvent(account.ID, amount, balance)
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("Failed to publish topup request",
			zap.Int64("billing_account_id", account.ID),
			zap.Error(err),
		)
	}
}
